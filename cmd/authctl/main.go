// Command authctl runs operator tasks against the authorization store and service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"beneficios.org/internal/audit"
	"beneficios.org/internal/auth"
	"beneficios.org/internal/authz/remote"
	"beneficios.org/internal/obs"
	"beneficios.org/internal/store/pg"
)

const usage = `usage: authctl <command> [flags]

commands:
  cleanup          delete expired blacklist rows, refresh tokens and cutoffs
  stats            print blacklist statistics
  invalidate-user  revoke every session of a user
  check            ask the gRPC service whether the token holder has a permission
  revoked          ask the gRPC service whether a jti is blacklisted`

const operatorActor = "authctl"

// errDenied makes check exit non-zero without logging a failure.
var errDenied = errors.New("permission denied")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	log := obs.Logger().WithField("component", "authctl")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "cleanup":
		err = runCleanup(ctx, args)
	case "stats":
		err = runStats(ctx, args)
	case "invalidate-user":
		err = runInvalidate(ctx, args)
	case "check":
		err = runCheck(ctx, args)
	case "revoked":
		err = runRevoked(ctx, args)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if errors.Is(err, errDenied) {
		cancel()
		os.Exit(1)
	}
	if err != nil {
		log.WithError(err).Fatal("command failed")
	}
}

func dsnFlag(fs *flag.FlagSet) *string {
	return fs.String("dsn", os.Getenv("BENEFICIOS_PG_DSN"), "PostgreSQL DSN")
}

func grpcFlags(fs *flag.FlagSet) (addr, token *string) {
	addr = fs.String("addr", envOr("BENEFICIOS_GRPC_TARGET", "localhost:9090"), "authorization gRPC address")
	token = fs.String("token", os.Getenv("BENEFICIOS_TOKEN"), "bearer access token")
	return addr, token
}

func openRevocation(dsn string) (*auth.RevocationService, func(), error) {
	if dsn == "" {
		return nil, nil, errors.New("missing DSN: provide via -dsn or BENEFICIOS_PG_DSN")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	svc := auth.NewRevocationService(store,
		auth.WithRevocationAudit(audit.Multi(store.AuditLog(), audit.NewLogSink(nil))),
	)
	return svc, func() { _ = store.Close() }, nil
}

func runCleanup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	dsn := dsnFlag(fs)
	_ = fs.Parse(args)

	svc, closeFn, err := openRevocation(*dsn)
	if err != nil {
		return err
	}
	defer closeFn()
	res, err := svc.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dsn := dsnFlag(fs)
	_ = fs.Parse(args)

	svc, closeFn, err := openRevocation(*dsn)
	if err != nil {
		return err
	}
	defer closeFn()
	stats, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runInvalidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("invalidate-user", flag.ExitOnError)
	dsn := dsnFlag(fs)
	userID := fs.String("user", "", "user id")
	reason := fs.String("reason", "operator", "reason recorded with the revocation")
	kind := fs.String("type", "all", "access, refresh or all")
	_ = fs.Parse(args)

	tokenKind, err := auth.ParseTokenKind(*kind)
	if err != nil {
		return err
	}
	svc, closeFn, err := openRevocation(*dsn)
	if err != nil {
		return err
	}
	defer closeFn()
	res, err := svc.InvalidateUser(ctx, operatorActor, *userID, *reason, tokenKind)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runCheck(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	addr, token := grpcFlags(fs)
	permission := fs.String("permission", "", "permission name")
	scope := fs.String("scope", string(auth.ScopeGlobal), "GLOBAL, UNIT or OWN")
	scopeID := fs.String("scope-id", "", "unit id or owner id")
	ownerID := fs.String("owner-id", "", "declared owner of the target resource")
	_ = fs.Parse(args)

	scopeType, err := auth.ParseScopeType(*scope)
	if err != nil {
		return err
	}
	client, err := remote.Dial(*addr, *token)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := remote.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	decision, err := client.Check(ctx, *permission, scopeType, *scopeID, *ownerID)
	if err != nil {
		return err
	}
	if err := printJSON(decision); err != nil {
		return err
	}
	if !decision.Allowed {
		return errDenied
	}
	return nil
}

func runRevoked(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revoked", flag.ExitOnError)
	addr, token := grpcFlags(fs)
	jti := fs.String("jti", "", "token identifier")
	_ = fs.Parse(args)

	client, err := remote.Dial(*addr, *token)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := remote.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	revoked, err := client.IsRevoked(ctx, *jti)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"jti": *jti, "revoked": revoked})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
