package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// DefaultRulesetVersion is the compiled-in court ruleset.
const DefaultRulesetVersion = "1.0.0"

// RulesetLimits bound the size of what parties may file.
type RulesetLimits struct {
	MaxSubmissionCharsPerPhase int `yaml:"max_submission_chars_per_phase" json:"maxSubmissionCharsPerPhase"`
	MaxEvidenceCharsPerItem    int `yaml:"max_evidence_chars_per_item" json:"maxEvidenceCharsPerItem"`
	MaxEvidenceCharsPerCase    int `yaml:"max_evidence_chars_per_case" json:"maxEvidenceCharsPerCase"`
	MaxEvidenceItemsPerCase    int `yaml:"max_evidence_items_per_case" json:"maxEvidenceItemsPerCase"`
	MaxClaimSummaryChars       int `yaml:"max_claim_summary_chars" json:"maxClaimSummaryChars"`
	MaxClaimsPerCase           int `yaml:"max_claims_per_case" json:"maxClaimsPerCase"`
}

// Ruleset is one versioned court profile: every timing parameter the
// session engine resolves deadlines against, plus filing limits. A case
// records the version it was filed under and keeps it for life.
type Ruleset struct {
	Version string `yaml:"version" json:"version"`

	SessionStartsAfterSeconds      int `yaml:"session_starts_after_seconds" json:"sessionStartsAfterSeconds"`
	DefenceAssignmentCutoffSeconds int `yaml:"defence_assignment_cutoff_seconds" json:"defenceAssignmentCutoffSeconds"`
	NamedDefendantExclusiveSeconds int `yaml:"named_defendant_exclusive_seconds" json:"namedDefendantExclusiveSeconds"`
	NamedDefendantResponseSeconds  int `yaml:"named_defendant_response_seconds" json:"namedDefendantResponseSeconds"`
	JurorReadinessSeconds          int `yaml:"juror_readiness_seconds" json:"jurorReadinessSeconds"`
	StageSubmissionSeconds         int `yaml:"stage_submission_seconds" json:"stageSubmissionSeconds"`
	JurorVoteSeconds               int `yaml:"juror_vote_seconds" json:"jurorVoteSeconds"`
	VotingHardTimeoutSeconds       int `yaml:"voting_hard_timeout_seconds" json:"votingHardTimeoutSeconds"`
	JurorPanelSize                 int `yaml:"juror_panel_size" json:"jurorPanelSize"`

	Limits RulesetLimits `yaml:"limits" json:"limits"`
}

// DefaultRuleset returns the compiled-in profile.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Version: DefaultRulesetVersion,

		SessionStartsAfterSeconds:      3600,
		DefenceAssignmentCutoffSeconds: 2700,
		NamedDefendantExclusiveSeconds: 900,
		NamedDefendantResponseSeconds:  86400,
		JurorReadinessSeconds:          60,
		StageSubmissionSeconds:         1800,
		JurorVoteSeconds:               900,
		VotingHardTimeoutSeconds:       2700,
		JurorPanelSize:                 11,

		Limits: RulesetLimits{
			MaxSubmissionCharsPerPhase: 20000,
			MaxEvidenceCharsPerItem:    10000,
			MaxEvidenceCharsPerCase:    50000,
			MaxEvidenceItemsPerCase:    20,
			MaxClaimSummaryChars:       500,
			MaxClaimsPerCase:           10,
		},
	}
}

// Duration accessors keep deadline arithmetic in one vocabulary.

func (r *Ruleset) SessionStartsAfter() time.Duration {
	return time.Duration(r.SessionStartsAfterSeconds) * time.Second
}

func (r *Ruleset) DefenceAssignmentCutoff() time.Duration {
	return time.Duration(r.DefenceAssignmentCutoffSeconds) * time.Second
}

func (r *Ruleset) NamedDefendantExclusive() time.Duration {
	return time.Duration(r.NamedDefendantExclusiveSeconds) * time.Second
}

func (r *Ruleset) NamedDefendantResponse() time.Duration {
	return time.Duration(r.NamedDefendantResponseSeconds) * time.Second
}

func (r *Ruleset) JurorReadiness() time.Duration {
	return time.Duration(r.JurorReadinessSeconds) * time.Second
}

func (r *Ruleset) StageSubmission() time.Duration {
	return time.Duration(r.StageSubmissionSeconds) * time.Second
}

func (r *Ruleset) JurorVote() time.Duration {
	return time.Duration(r.JurorVoteSeconds) * time.Second
}

func (r *Ruleset) VotingHardTimeout() time.Duration {
	return time.Duration(r.VotingHardTimeoutSeconds) * time.Second
}

// Validate checks the profile is runnable.
func (r *Ruleset) Validate() error {
	if _, err := semver.NewVersion(r.Version); err != nil {
		return fmt.Errorf("ruleset version %q is not semver: %w", r.Version, err)
	}
	if r.JurorPanelSize < 1 {
		return fmt.Errorf("juror panel size must be at least 1, got %d", r.JurorPanelSize)
	}
	for name, v := range map[string]int{
		"session_starts_after_seconds":      r.SessionStartsAfterSeconds,
		"defence_assignment_cutoff_seconds": r.DefenceAssignmentCutoffSeconds,
		"named_defendant_exclusive_seconds": r.NamedDefendantExclusiveSeconds,
		"named_defendant_response_seconds":  r.NamedDefendantResponseSeconds,
		"juror_readiness_seconds":           r.JurorReadinessSeconds,
		"stage_submission_seconds":          r.StageSubmissionSeconds,
		"juror_vote_seconds":                r.JurorVoteSeconds,
		"voting_hard_timeout_seconds":       r.VotingHardTimeoutSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("ruleset %s must be positive, got %d", name, v)
		}
	}
	return nil
}

// RulesetRegistry resolves a case's recorded version to its profile.
type RulesetRegistry struct {
	byVersion map[string]*Ruleset
	latest    string
}

// NewRulesetRegistry starts a registry seeded with the default profile.
func NewRulesetRegistry() *RulesetRegistry {
	reg := &RulesetRegistry{byVersion: make(map[string]*Ruleset)}
	def := DefaultRuleset()
	reg.byVersion[def.Version] = def
	reg.latest = def.Version
	return reg
}

// Register adds a profile; the highest registered semver becomes the
// default for new filings.
func (reg *RulesetRegistry) Register(r *Ruleset) error {
	if err := r.Validate(); err != nil {
		return err
	}
	v, err := semver.NewVersion(r.Version)
	if err != nil {
		return err
	}
	reg.byVersion[r.Version] = r
	cur, err := semver.NewVersion(reg.latest)
	if err != nil || v.GreaterThan(cur) {
		reg.latest = r.Version
	}
	return nil
}

// Resolve returns the profile for a recorded version.
func (reg *RulesetRegistry) Resolve(version string) (*Ruleset, error) {
	r, ok := reg.byVersion[version]
	if !ok {
		return nil, fmt.Errorf("unknown ruleset version %q", version)
	}
	return r, nil
}

// Latest returns the default profile for new filings.
func (reg *RulesetRegistry) Latest() *Ruleset {
	return reg.byVersion[reg.latest]
}

// LoadRulesets loads every ruleset_*.yaml in dir into the registry.
// Missing fields fall back to the compiled-in defaults so profiles only
// spell out what they change.
func (reg *RulesetRegistry) LoadRulesets(dir string) error {
	if dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "ruleset_*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		r := DefaultRuleset()
		if err := yaml.Unmarshal(data, r); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := reg.Register(r); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
	}
	return nil
}
