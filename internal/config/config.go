package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"govgate/internal/domain"
)

// Well-known operation types.
const (
	OpGovernance      = "governance"
	OpEmergencyAction = "emergency_action"
	OpProtocolUpgrade = "protocol_upgrade"
	OpPolicyChange    = "policy_change"
)

// Config models govgate.yml.
type Config struct {
	Governance     Governance               `yaml:"governance"`
	Multisig       Multisig                 `yaml:"multisig"`
	Timelock       TimelockRoles            `yaml:"timelock"`
	OperationTypes map[string]OperationType `yaml:"operation_types" validate:"required,dive"`
	Policies       map[string]PolicySeed    `yaml:"policies" validate:"dive"`
	Triggers       map[string]TriggerSeed   `yaml:"triggers" validate:"dive"`
	Automation     Automation               `yaml:"automation"`
	Notifications  Notifications            `yaml:"notifications"`
	Ledger         LedgerConfig             `yaml:"ledger"`
}

// LedgerConfig names the account non-system target values are paid from.
type LedgerConfig struct {
	Treasury string `yaml:"treasury"`
}

type Governance struct {
	ProposalThreshold    decimal.Decimal `yaml:"proposal_threshold"`
	VotingDelay          domain.Duration `yaml:"voting_delay"`
	VotingPeriod         domain.Duration `yaml:"voting_period"`
	QuorumPercent        decimal.Decimal `yaml:"quorum_percent"`
	QuorumAmount         decimal.Decimal `yaml:"quorum_amount"`
	ExecutionGracePeriod domain.Duration `yaml:"execution_grace_period"`
	Retention            domain.Duration `yaml:"retention"`
}

type Multisig struct {
	Owners            []string `yaml:"owners" validate:"required,min=1,dive,required"`
	Guardians         []string `yaml:"guardians" validate:"dive,required"`
	RequireSignatures bool     `yaml:"require_signatures"`
}

// TimelockRoles restricts direct scheduling, cancellation and execution.
// Empty executors means anyone may execute a ready operation.
type TimelockRoles struct {
	Proposers  []string `yaml:"proposers" validate:"dive,required"`
	Cancellers []string `yaml:"cancellers" validate:"dive,required"`
	Executors  []string `yaml:"executors" validate:"dive,required"`
}

type OperationType struct {
	RequiredApprovals int             `yaml:"required_approvals" validate:"gte=1"`
	Timelock          bool            `yaml:"timelock"`
	Delay             domain.Duration `yaml:"delay"`
	MinDelay          domain.Duration `yaml:"min_delay"`
	GuardianVeto      bool            `yaml:"guardian_veto"`
	Subsystem         string          `yaml:"subsystem"`
	Expiry            domain.Duration `yaml:"expiry"`
}

type PolicySeed struct {
	Scope      []string       `yaml:"scope"`
	Parameters map[string]any `yaml:"parameters"`
}

type TriggerSeed struct {
	ConfidenceThreshold float64         `yaml:"confidence_threshold" validate:"gt=0,lte=1"`
	Cooldown            domain.Duration `yaml:"cooldown"`
	Actions             []domain.Action `yaml:"actions" validate:"required,min=1,dive"`
}

type Automation struct {
	Owner     string    `yaml:"owner"`
	Signalers []string  `yaml:"signalers"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

type RateLimit struct {
	Events int             `yaml:"events" validate:"gte=0"`
	Per    domain.Duration `yaml:"per"`
}

type Notifications struct {
	Timeout  domain.Duration `yaml:"timeout"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// WebhookConfig is shared by the alert sink and the audit forwarder.
// Audit-only hooks list audit event types; alert hooks set Alerts.
type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Events         []string `yaml:"events"`
	Alerts         bool     `yaml:"alerts"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
}

// IsEnabled reports whether the hook should receive deliveries.
func (w WebhookConfig) IsEnabled() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

var validate = validator.New()

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with govgate init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	g := c.Governance
	if g.ProposalThreshold.IsNegative() {
		return errors.New("config.governance.proposal_threshold must not be negative")
	}
	if g.VotingPeriod.Duration <= 0 {
		return errors.New("config.governance.voting_period must be positive")
	}
	if g.VotingDelay.Duration < 0 || g.ExecutionGracePeriod.Duration < 0 || g.Retention.Duration < 0 {
		return errors.New("config.governance durations must not be negative")
	}
	if g.QuorumPercent.IsNegative() || g.QuorumPercent.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("config.governance.quorum_percent must be within [0,100]")
	}
	if g.QuorumAmount.IsNegative() {
		return errors.New("config.governance.quorum_amount must not be negative")
	}
	for _, required := range []string{OpGovernance, OpEmergencyAction} {
		if _, ok := c.OperationTypes[required]; !ok {
			return fmt.Errorf("config.operation_types must include %s", required)
		}
	}
	for name, op := range c.OperationTypes {
		if strings.TrimSpace(name) == "" {
			return errors.New("config.operation_types contains empty name")
		}
		if op.RequiredApprovals > len(c.Multisig.Owners) {
			return fmt.Errorf("operation type %s requires %d approvals but only %d owners are configured", name, op.RequiredApprovals, len(c.Multisig.Owners))
		}
		if op.MinDelay.Duration < 0 || op.Delay.Duration < 0 || op.Expiry.Duration < 0 {
			return fmt.Errorf("operation type %s has a negative duration", name)
		}
		if op.Timelock && op.Delay.Duration < op.MinDelay.Duration {
			return fmt.Errorf("operation type %s delay %s is below min_delay %s", name, op.Delay, op.MinDelay)
		}
	}
	if dup := firstDuplicate(c.Multisig.Owners); dup != "" {
		return fmt.Errorf("config.multisig.owners lists %s twice", dup)
	}
	for name, p := range c.Policies {
		for _, scope := range p.Scope {
			if _, ok := c.OperationTypes[scope]; !ok {
				return fmt.Errorf("policy %s scoped to unknown operation type %s", name, scope)
			}
		}
		if _, err := ParsePolicyParameters(p.Parameters); err != nil {
			return fmt.Errorf("policy %s: %w", name, err)
		}
	}
	for name, tr := range c.Triggers {
		for i, a := range tr.Actions {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("trigger %s action %d: %w", name, i, err)
			}
			if a.Kind == domain.ActionBlockOperationType {
				if _, ok := c.OperationTypes[a.OperationType]; !ok {
					return fmt.Errorf("trigger %s blocks unknown operation type %s", name, a.OperationType)
				}
			}
		}
	}
	if c.Automation.RateLimit.Events > 0 && c.Automation.RateLimit.Per.Duration <= 0 {
		return errors.New("config.automation.rate_limit.per must be positive when events is set")
	}
	return nil
}

// IsOwner reports whether id is a configured multisig owner.
func (c *Config) IsOwner(id string) bool {
	return containsFold(c.Multisig.Owners, id)
}

// IsGuardian reports whether id is a configured guardian.
func (c *Config) IsGuardian(id string) bool {
	return containsFold(c.Multisig.Guardians, id)
}

func containsFold(list []string, id string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(id)) {
			return true
		}
	}
	return false
}

func firstDuplicate(list []string) string {
	seen := make(map[string]struct{}, len(list))
	for _, v := range list {
		key := strings.ToLower(strings.TrimSpace(v))
		if _, ok := seen[key]; ok {
			return v
		}
		seen[key] = struct{}{}
	}
	return ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "govgate.yml")
}

// GenerateDefault returns default config YAML listing the given owner.
func GenerateDefault(owner string) string {
	return fmt.Sprintf(defaultTemplate, owner, owner)
}

// Default returns the default Config struct with owner as sole owner, guardian and automation identity.
func Default(owner string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(owner))).Decode(&cfg)
	cfg.Multisig.Guardians = []string{owner}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `governance:
  proposal_threshold: "100"
  voting_delay: 1h
  voting_period: 72h
  quorum_percent: "4"
  quorum_amount: "0"
  execution_grace_period: 336h
  retention: 2160h

multisig:
  owners: [%s]
  require_signatures: false

timelock:
  proposers: []
  cancellers: []
  executors: []

operation_types:
  governance:
    required_approvals: 1
    timelock: true
    delay: 48h
    min_delay: 24h
    guardian_veto: true
  emergency_action:
    required_approvals: 1
    timelock: false
    guardian_veto: true
    expiry: 24h
  protocol_upgrade:
    required_approvals: 1
    timelock: true
    delay: 48h
    min_delay: 24h
    guardian_veto: true
    subsystem: upgrades
    expiry: 168h
  policy_change:
    required_approvals: 1
    timelock: true
    delay: 24h
    min_delay: 1h
    guardian_veto: true

policies:
  treasury_limits:
    scope: [protocol_upgrade]
    parameters:
      max_value: "1000000"
      max_operations_per_period: 10
      period: 24h
  sanctioned_recipients:
    parameters:
      restricted_addresses: []

triggers:
  high_risk_transaction:
    confidence_threshold: 0.9
    cooldown: 1h
    actions:
      - kind: pause_subsystem
        subsystem: bridge
      - kind: escalate_alert
        severity: critical
        message: "high risk transaction detected"

automation:
  owner: %s
  signalers:
    - risk-detector
  rate_limit:
    events: 10
    per: 1h

notifications:
  timeout: 5s
  webhooks: []

ledger:
  treasury: treasury
`
