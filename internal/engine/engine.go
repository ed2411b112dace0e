package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"govgate/internal/audit"
	"govgate/internal/config"
	"govgate/internal/domain"
	"govgate/internal/engine/auth"
	"govgate/internal/ledger"
	"govgate/internal/notify"
	"govgate/internal/repo"
)

// VotingPower is the checkpointed ledger the governor snapshots.
type VotingPower interface {
	LatestCheckpoint(ctx context.Context) (uint64, error)
	VotingPowerOf(ctx context.Context, account string, checkpoint uint64) (decimal.Decimal, error)
	TotalSupplyAt(ctx context.Context, checkpoint uint64) (decimal.Decimal, error)
}

// Dispatcher applies a non-system target inside the executing transaction.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx *sql.Tx, t domain.Target) error
}

// Notifier receives alerts. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Log
	Config   *config.Config
	Ledger   VotingPower
	Dispatch Dispatcher
	Notifier Notifier
	Log      *zap.Logger
	Now      func() time.Time

	roster  auth.Roster
	mu      *sync.Mutex
	limiter *rate.Limiter
}

func New(db *sql.DB, cfg *config.Config) Engine {
	l := ledger.Ledger{DB: db}
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Log{DB: db},
		Config:   cfg,
		Ledger:   l,
		Dispatch: ledger.Dispatcher{Ledger: l},
		Notifier: notify.Nop{},
		Log:      zap.NewNop(),
		Now:      time.Now,
		roster:   auth.NewRoster(cfg),
		mu:       &sync.Mutex{},
	}
	if cfg != nil {
		e.Dispatch = ledger.Dispatcher{Ledger: l, Treasury: cfg.Ledger.Treasury}
		if rl := cfg.Automation.RateLimit; rl.Events > 0 && rl.Per.Duration > 0 {
			e.limiter = rate.NewLimiter(rate.Every(rl.Per.Duration/time.Duration(rl.Events)), rl.Events)
		}
	}
	return e
}

// now is truncated to the second precision timestamps are stored with.
func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (e Engine) logger(ctx context.Context) *zap.Logger {
	if l, ok := loggerFrom(ctx); ok {
		return l
	}
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) requireConfig() error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	return nil
}

func (e Engine) operationType(name string) (config.OperationType, error) {
	ot, ok := e.Config.OperationTypes[name]
	if !ok {
		return ot, fail(ErrUnknownOperationType, "%q", name)
	}
	return ot, nil
}

func (e Engine) appendAudit(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	l := e.Audit
	l.Now = e.now
	return l.Append(ctx, tx, entry)
}

// transition runs fn under the engine lock inside one database transaction.
// A failed transition is rolled back and its rejection is recorded against ref.
func (e Engine) transition(ctx context.Context, ref audit.Entry, fn func(tx *sql.Tx) error) error {
	if err := e.requireConfig(); err != nil {
		return err
	}
	if e.mu != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	err := e.inTx(ctx, fn)
	if err == nil {
		return nil
	}
	ref.Outcome = audit.OutcomeRejected
	if ClassOf(err) == ClassExecution {
		ref.Outcome = audit.OutcomeFailed
	}
	ref.ErrorCode = CodeOf(err)
	ref.Payload = audit.Payload{"error": err.Error()}
	e.logger(ctx).Info("transition rejected",
		zap.String("type", ref.Type),
		zap.String("entity_id", ref.EntityID),
		zap.String("actor", ref.ActorID),
		zap.String("code", ref.ErrorCode),
		zap.Error(err))
	if aerr := e.appendAudit(context.WithoutCancel(ctx), nil, ref); aerr != nil {
		e.logger(ctx).Error("append rejection audit", zap.Error(aerr))
	}
	return err
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
