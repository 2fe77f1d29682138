package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/memvault/memvault/internal/auth"
	"github.com/memvault/memvault/internal/conversation"
	"github.com/memvault/memvault/internal/identity"
	"github.com/memvault/memvault/internal/memory"
	"github.com/memvault/memvault/internal/policy"
	"github.com/memvault/memvault/internal/profile"
	"github.com/memvault/memvault/internal/schema"
	"github.com/memvault/memvault/pkg/config"
	"github.com/memvault/memvault/pkg/database"
	"github.com/memvault/memvault/pkg/health"
	"github.com/memvault/memvault/pkg/logger"
)

// Engine wires the store, cache and component services together
type Engine struct {
	config *config.Config
	logger *logger.Logger
	db     *database.PostgreSQL
	redis  *database.Redis
	health *health.Checker

	registry      *schema.Registry
	policyStore   *policy.Store
	authz         *policy.Engine
	tokens        *auth.Service
	reconciler    *identity.Reconciler
	conversations *conversation.Service
	memories      *memory.Service
	profiles      *profile.Service
}

// NewEngine creates an engine from global configuration
func NewEngine(cfg *config.Config, log *logger.Logger) *Engine {
	return &Engine{
		config: cfg,
		logger: log,
		health: health.NewChecker(),
	}
}

// Initialize connects to the backing stores and builds every component.
// Redis is optional: when unavailable, profile reads skip the cache.
func (e *Engine) Initialize(ctx context.Context) error {
	db, err := database.New(ctx, database.FromGlobalConfig(e.config))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	e.db = db

	if e.config.GetOrDefault("redis.enabled", "true") == "true" {
		redis, err := database.NewRedis(ctx, database.RedisFromGlobalConfig(e.config))
		if err != nil {
			e.logger.Warnf("Redis unavailable, profile cache disabled: %v", err)
		} else {
			e.redis = redis
		}
	}

	if secret := e.config.Get("auth.token_secret"); secret != "" {
		tokens, err := auth.NewService([]byte(secret))
		if err != nil {
			return fmt.Errorf("failed to initialize token service: %w", err)
		}
		e.tokens = tokens
	} else {
		e.logger.Warnf("No token signing secret configured, token issuance disabled")
	}

	e.registry = schema.NewRegistry(e.db, e.logger)
	e.policyStore = policy.NewStore(e.db, e.logger)
	e.authz = policy.NewEngine(e.policyStore, e.logger)
	e.reconciler = identity.NewReconciler(e.db, e.logger)
	e.conversations = conversation.NewService(e.db, e.authz, e.logger)
	e.memories = memory.NewService(e.db, e.authz, e.logger)
	e.profiles = profile.NewService(e.db, e.redis, e.authz, e.logger)

	return nil
}

// CheckHealth runs the store health checks and returns the overall status
func (e *Engine) CheckHealth(ctx context.Context) health.Status {
	e.health.RunCheck("postgres", func() error {
		return e.db.Ping(ctx)
	})
	if e.redis != nil {
		e.health.RunCheck("redis", func() error {
			return e.redis.Ping(ctx)
		})
	}
	return e.health.GetOverallStatus()
}

// Session resolves an external subject identifier into an end-user
// principal, creating the identity mapping and profile shell on first
// sight. Called by the conversational agent at session start.
func (e *Engine) Session(ctx context.Context, externalID string) (policy.Principal, error) {
	internalID, err := e.reconciler.Resolve(ctx, externalID)
	if err != nil {
		return policy.Principal{}, err
	}
	return policy.Principal{Kind: policy.KindEndUser, ID: internalID.String()}, nil
}

// IssueSession resolves an external subject identifier and returns a signed
// principal token for the resulting end-user identity
func (e *Engine) IssueSession(ctx context.Context, externalID string, ttl time.Duration) (string, error) {
	if e.tokens == nil {
		return "", errors.New("token issuance is not configured")
	}
	principal, err := e.Session(ctx, externalID)
	if err != nil {
		return "", err
	}
	return e.tokens.Issue(principal, ttl)
}

// IssueServiceToken verifies an access key against the configured bcrypt hash
// and issues a service principal token. The hash comes from
// auth.service_key_hash; the subject from auth.service_id.
func (e *Engine) IssueServiceToken(accessKey string, ttl time.Duration) (string, error) {
	if e.tokens == nil {
		return "", errors.New("token issuance is not configured")
	}
	keyHash := e.config.Get("auth.service_key_hash")
	subject := e.config.GetOrDefault("auth.service_id", "memvault")
	return e.tokens.IssueWithAccessKey(keyHash, accessKey, subject, ttl)
}

// Authenticate verifies a principal token and returns the principal it carries
func (e *Engine) Authenticate(token string) (policy.Principal, error) {
	if e.tokens == nil {
		return policy.Principal{}, errors.New("token issuance is not configured")
	}
	return e.tokens.Verify(token)
}

// Registry returns the schema registry
func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// Policies returns the policy store
func (e *Engine) Policies() *policy.Store {
	return e.policyStore
}

// Authorizer returns the authorization engine
func (e *Engine) Authorizer() *policy.Engine {
	return e.authz
}

// Reconciler returns the identity reconciler
func (e *Engine) Reconciler() *identity.Reconciler {
	return e.reconciler
}

// Conversations returns the conversation-state service
func (e *Engine) Conversations() *conversation.Service {
	return e.conversations
}

// Memories returns the memory service
func (e *Engine) Memories() *memory.Service {
	return e.memories
}

// Profiles returns the profile service
func (e *Engine) Profiles() *profile.Service {
	return e.profiles
}

// SupersedePolicy atomically replaces a policy scope and refreshes the
// authorization snapshot
func (e *Engine) SupersedePolicy(ctx context.Context, p policy.AccessPolicy) (*policy.AccessPolicy, error) {
	out, err := e.policyStore.Supersede(ctx, p)
	if err != nil {
		return nil, err
	}
	e.authz.Invalidate()
	return out, nil
}

// Close releases the store connections
func (e *Engine) Close() {
	if e.redis != nil {
		e.redis.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}
