// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package authz evaluates gateway authorizer decisions with Casbin RBAC:
// subject (caller identity or role), object (route path), action (HTTP
// method).
package authz

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/harborstackd/harborstackd/internal/logging"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Config selects the model/policy pair and the fallback role.
type Config struct {
	// ModelPath / PolicyPath override the embedded defaults when they
	// name readable files.
	ModelPath  string
	PolicyPath string

	// DefaultRole is the subject used for unauthenticated callers on
	// routes that declare an authorizer.
	DefaultRole string

	// AutoReload re-reads a file-based policy on an interval.
	AutoReload     bool
	ReloadInterval time.Duration
}

// Authorizer wraps a synced Casbin enforcer.
type Authorizer struct {
	enforcer    *casbin.SyncedEnforcer
	defaultRole string
	stop        chan struct{}
}

// New builds an Authorizer from cfg, falling back to the embedded
// model/policy pair.
func New(cfg Config) (*Authorizer, error) {
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "reader"
	}

	var m model.Model
	var err error
	if cfg.ModelPath != "" && fileExists(cfg.ModelPath) {
		m, err = model.NewModelFromFile(cfg.ModelPath)
	} else {
		m, err = model.NewModelFromString(embeddedModel)
	}
	if err != nil {
		return nil, fmt.Errorf("authz: load model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" && fileExists(cfg.PolicyPath) {
		adapter := fileadapter.NewAdapter(cfg.PolicyPath)
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
	} else {
		policyFile, werr := writeTempPolicy()
		if werr != nil {
			return nil, werr
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(policyFile))
	}
	if err != nil {
		return nil, fmt.Errorf("authz: build enforcer: %w", err)
	}

	a := &Authorizer{enforcer: enforcer, defaultRole: cfg.DefaultRole, stop: make(chan struct{})}
	if cfg.AutoReload && cfg.PolicyPath != "" {
		interval := cfg.ReloadInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		go a.reloadLoop(interval)
	}
	return a, nil
}

// writeTempPolicy materializes the embedded policy for the file adapter.
func writeTempPolicy() (string, error) {
	f, err := os.CreateTemp("", "harborstackd-policy-*.csv")
	if err != nil {
		return "", fmt.Errorf("authz: temp policy: %w", err)
	}
	if _, err := f.WriteString(embeddedPolicy); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// Allow reports whether subject may perform method on path. An empty
// subject evaluates as the default role.
func (a *Authorizer) Allow(subject, path, method string) bool {
	if subject == "" {
		subject = a.defaultRole
	}
	ok, err := a.enforcer.Enforce(subject, path, method)
	if err != nil {
		logging.Warn().Str("subject", subject).Str("path", path).Str("method", method).Err(err).
			Msg("authz: enforcement error, denying")
		return false
	}
	return ok
}

// AddPolicy grants subject method on path at runtime.
func (a *Authorizer) AddPolicy(subject, path, method string) error {
	_, err := a.enforcer.AddPolicy(subject, path, method)
	return err
}

// AssignRole makes subject a member of role.
func (a *Authorizer) AssignRole(subject, role string) error {
	_, err := a.enforcer.AddGroupingPolicy(subject, role)
	return err
}

// Close stops the reload loop, if any.
func (a *Authorizer) Close() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}

func (a *Authorizer) reloadLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.enforcer.LoadPolicy(); err != nil {
				logging.Warn().Err(err).Msg("authz: policy reload failed")
			}
		case <-a.stop:
			return
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
