package classify

// AgentMetadata carries the slice of the registered agent that classification
// is allowed to see. DeclaredRiskTier comes from registration and acts as a
// tier floor for every call the agent makes.
type AgentMetadata struct {
	DeclaredRiskTier Tier
	RegulationScope  []string
}

// Input is everything the classifier may consider. It deliberately excludes
// payload text; only the detector's derived output reaches this point.
type Input struct {
	Categories   []string
	Markers      []string
	Provider     string
	Model        string
	Agent        AgentMetadata
	RequestBytes int
}

// Result is the classification outcome.
type Result struct {
	Tier Tier
	// Flags in canonical (rule table) order.
	Flags []string
}

// Classifier evaluates an immutable Ruleset.
type Classifier struct {
	rules *Ruleset
}

// New creates a Classifier over the given ruleset, or the default ruleset
// when rules is nil.
func New(rules *Ruleset) *Classifier {
	if rules == nil {
		rules = DefaultRuleset()
	}
	return &Classifier{rules: rules}
}

// Evaluate computes the risk tier and triggered flags for one interaction.
// Pure: no state, no I/O, deterministic for identical inputs.
func (c *Classifier) Evaluate(in Input) Result {
	tier := TierMinimal

	// Tier is the max of per-category base tiers. Categories the table does
	// not know are skipped here but stay on the record untouched.
	for _, cat := range in.Categories {
		if base, ok := c.rules.CategoryTiers[cat]; ok {
			tier = maxTier(tier, base)
		}
	}

	// Metadata escalations: use-case markers and the agent's declared tier.
	for _, m := range in.Markers {
		if floor, ok := c.rules.MarkerTiers[m]; ok {
			tier = maxTier(tier, floor)
		}
	}
	if in.Agent.DeclaredRiskTier != "" {
		if _, ok := tierRank[in.Agent.DeclaredRiskTier]; ok {
			tier = maxTier(tier, in.Agent.DeclaredRiskTier)
		}
	}

	catSet := make(map[string]bool, len(in.Categories))
	for _, cat := range in.Categories {
		catSet[cat] = true
	}
	markerSet := make(map[string]bool, len(in.Markers))
	for _, m := range in.Markers {
		markerSet[m] = true
	}

	var flags []string
	for _, rule := range c.rules.Flags {
		if c.matches(rule, tier, catSet, markerSet, in.RequestBytes) {
			flags = append(flags, rule.ID)
		}
	}

	return Result{Tier: tier, Flags: flags}
}

func (c *Classifier) matches(rule FlagRule, tier Tier, cats, markers map[string]bool, requestBytes int) bool {
	if rule.Always {
		return true
	}

	conditions := 0
	if len(rule.AnyCategory) > 0 {
		conditions++
		if !anyIn(rule.AnyCategory, cats) {
			return false
		}
	}
	if len(rule.AnyMarker) > 0 {
		conditions++
		if !anyIn(rule.AnyMarker, markers) {
			return false
		}
	}
	if rule.MinTier != "" {
		conditions++
		if tierRank[tier] < tierRank[rule.MinTier] {
			return false
		}
	}
	if rule.MinRequestBytes > 0 {
		conditions++
		if requestBytes < rule.MinRequestBytes {
			return false
		}
	}
	return conditions > 0
}

func anyIn(wanted []string, set map[string]bool) bool {
	for _, w := range wanted {
		if set[w] {
			return true
		}
	}
	return false
}
