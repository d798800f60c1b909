package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"beneficios.org/internal/obs"
)

// Guard enforces the requirements attached to an operation before it runs.
type Guard struct {
	evaluator *Evaluator
	resolver  ScopeResolver
	log       logrus.FieldLogger
}

// NewGuard wraps evaluator. log may be nil.
func NewGuard(evaluator *Evaluator, log logrus.FieldLogger) *Guard {
	if log == nil {
		log = obs.Logger().WithField("component", "guard")
	}
	return &Guard{evaluator: evaluator, log: log}
}

// Evaluator exposes the underlying evaluator.
func (g *Guard) Evaluator() *Evaluator { return g.evaluator }

// Check evaluates every requirement in order and stops at the first failure.
// On success the returned context carries the resolved scope of the last requirement.
// Failures are *DeniedError, *ConfigurationError or a wrapped store error; all of them deny.
func (g *Guard) Check(ctx context.Context, p Principal, reqs []PermissionRequirement, params ParamSource) (context.Context, error) {
	if len(reqs) == 0 {
		return ctx, nil
	}
	for i, req := range reqs {
		_, bypassed := g.evaluator.BypassRole(p, req.Permission, req.BypassRoles)
		scopeID, err := g.resolver.Resolve(p, req, params, bypassed)
		if err != nil && !bypassed {
			obs.RecordDecision(req.Permission, false, ReasonConfiguration)
			return ctx, g.configurationDefect(p, i, req, err)
		}

		decision, err := g.evaluator.Evaluate(ctx, p, Request{
			Permission:  req.Permission,
			ScopeType:   req.ScopeType,
			ScopeID:     scopeID,
			BypassRoles: req.BypassRoles,
		})
		if err != nil {
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				return ctx, g.configurationDefect(p, i, req, err)
			}
			return ctx, fmt.Errorf("authorize %s: %w", req.Permission, err)
		}
		if !decision.Allowed {
			g.log.WithFields(logrus.Fields{
				"user_id":    p.UserID,
				"permission": req.Permission,
				"scope_type": req.ScopeType,
				"scope_id":   scopeID,
				"reason":     decision.Reason,
			}).Info("access denied")
			return ctx, &DeniedError{Permission: req.Permission, Index: i, Decision: decision}
		}
		ctx = ContextWithScope(ctx, ResolvedScope{
			Permission: req.Permission,
			Type:       req.ScopeType,
			ID:         scopeID,
			Bypassed:   decision.Bypassed,
		})
	}
	return ctx, nil
}

func (g *Guard) configurationDefect(p Principal, index int, req PermissionRequirement, err error) error {
	g.log.WithError(err).WithFields(logrus.Fields{
		"user_id":     p.UserID,
		"permission":  req.Permission,
		"requirement": req.String(),
	}).Error("permission requirement misconfigured, denying")
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		out := *cfgErr
		out.Index = index
		return &out
	}
	return &ConfigurationError{Permission: req.Permission, Index: index, Detail: err.Error()}
}
