package ratelimit

import "time"

// AgeBand holds the limits granted to one contiguous age range. Bands must
// be contiguous and non-overlapping, and a higher band never grants lower
// limits than the band below it.
type AgeBand struct {
	Name                     string
	MinAge                   int
	MaxAge                   int
	AIRequestsPerHour        int
	AudioGenerationPerHour   int
	ConversationMsgsPerHour  int
	ConversationsPerHour     int
	ConversationsPerDay      int
	MessagesPerMinute        int
	MessagesPerDay           int
	MaxConcurrentConvs       int
	MaxConversationDuration  time.Duration
	SafetyIncidentCooldown   time.Duration
	MaxSafetyIncidentsPerDay int
	BurstWindow              time.Duration
	BurstLimit               int
}

// DefaultAgeBands returns the built-in age tier table.
func DefaultAgeBands() []AgeBand {
	return []AgeBand{
		{
			Name: "toddler", MinAge: 0, MaxAge: 4,
			AIRequestsPerHour: 20, AudioGenerationPerHour: 10,
			ConversationMsgsPerHour: 60, ConversationsPerHour: 3, ConversationsPerDay: 6,
			MessagesPerMinute: 5, MessagesPerDay: 100,
			MaxConcurrentConvs: 1, MaxConversationDuration: 15 * time.Minute,
			SafetyIncidentCooldown: 60 * time.Minute, MaxSafetyIncidentsPerDay: 1,
			BurstWindow: 10 * time.Second, BurstLimit: 3,
		},
		{
			Name: "preschool", MinAge: 5, MaxAge: 7,
			AIRequestsPerHour: 30, AudioGenerationPerHour: 15,
			ConversationMsgsPerHour: 90, ConversationsPerHour: 4, ConversationsPerDay: 10,
			MessagesPerMinute: 6, MessagesPerDay: 200,
			MaxConcurrentConvs: 2, MaxConversationDuration: 20 * time.Minute,
			SafetyIncidentCooldown: 45 * time.Minute, MaxSafetyIncidentsPerDay: 2,
			BurstWindow: 10 * time.Second, BurstLimit: 4,
		},
		{
			Name: "preteen", MinAge: 8, MaxAge: 12,
			AIRequestsPerHour: 50, AudioGenerationPerHour: 25,
			ConversationMsgsPerHour: 150, ConversationsPerHour: 6, ConversationsPerDay: 15,
			MessagesPerMinute: 8, MessagesPerDay: 400,
			MaxConcurrentConvs: 2, MaxConversationDuration: 30 * time.Minute,
			SafetyIncidentCooldown: 30 * time.Minute, MaxSafetyIncidentsPerDay: 3,
			BurstWindow: 10 * time.Second, BurstLimit: 6,
		},
		{
			Name: "teen", MinAge: 13, MaxAge: 17,
			AIRequestsPerHour: 80, AudioGenerationPerHour: 40,
			ConversationMsgsPerHour: 240, ConversationsPerHour: 8, ConversationsPerDay: 20,
			MessagesPerMinute: 10, MessagesPerDay: 600,
			MaxConcurrentConvs: 3, MaxConversationDuration: 45 * time.Minute,
			SafetyIncidentCooldown: 20 * time.Minute, MaxSafetyIncidentsPerDay: 4,
			BurstWindow: 10 * time.Second, BurstLimit: 8,
		},
	}
}

// PolicyResolver maps (operation, age) to a concrete Config.
type PolicyResolver struct {
	bands []AgeBand
}

// NewPolicyResolver constructs a PolicyResolver. A nil or empty band table
// falls back to the defaults.
func NewPolicyResolver(bands []AgeBand) *PolicyResolver {
	if len(bands) == 0 {
		bands = DefaultAgeBands()
	}
	return &PolicyResolver{bands: bands}
}

// Band returns the age band containing age. A nil age or an age outside
// every band resolves to the strictest band; unlimited access is never
// granted by omission.
func (r *PolicyResolver) Band(age *int) AgeBand {
	if age != nil {
		for _, band := range r.bands {
			if *age >= band.MinAge && *age <= band.MaxAge {
				return band
			}
		}
	}
	return r.bands[0]
}

// Resolve returns the effective Config for an operation and claimed age.
// Unknown operation types resolve to the most restrictive policy rather
// than being rejected.
func (r *PolicyResolver) Resolve(op Operation, age *int) Config {
	band := r.Band(age)
	cfg := Config{
		Operation:      op,
		Algorithm:      FixedWindow,
		ChildSafeMode:  true,
		AgeBasedScaled: true,
		BlockDuration:  band.SafetyIncidentCooldown,
	}
	switch op {
	case OpAIRequest:
		cfg.Algorithm = SlidingWindow
		cfg.MaxRequests = band.AIRequestsPerHour
		cfg.Window = time.Hour
	case OpAudioGeneration:
		cfg.Algorithm = SlidingWindow
		cfg.MaxRequests = band.AudioGenerationPerHour
		cfg.Window = time.Hour
	case OpConversationMessage:
		cfg.MaxRequests = band.ConversationMsgsPerHour
		cfg.Window = time.Hour
	case OpConversationStart:
		cfg.MaxRequests = band.ConversationsPerHour
		cfg.Window = time.Hour
	case OpConversationEnd:
		// Ending a conversation is never quota limited.
		cfg.MaxRequests = int(^uint(0) >> 1)
		cfg.Window = time.Hour
		cfg.AgeBasedScaled = false
	case OpMessageBurst:
		cfg.MaxRequests = band.BurstLimit
		cfg.Window = band.BurstWindow
	case OpSafetyIncident:
		cfg.MaxRequests = band.MaxSafetyIncidentsPerDay
		cfg.Window = 24 * time.Hour
	case OpDailyUsage:
		cfg.MaxRequests = band.MessagesPerDay
		cfg.Window = 24 * time.Hour
	case OpConcurrentConversations:
		cfg.MaxRequests = band.MaxConcurrentConvs
		cfg.Window = band.MaxConversationDuration
	case OpAPICall:
		cfg.Algorithm = TokenBucket
		cfg.MaxRequests = band.AIRequestsPerHour * 2
		cfg.Window = time.Hour
		cfg.BurstCapacity = band.BurstLimit * 2
		cfg.RefillRate = float64(cfg.MaxRequests) / cfg.Window.Seconds()
	case OpAuthentication:
		// Auth attempts are not age scaled.
		cfg.MaxRequests = 10
		cfg.Window = 5 * time.Minute
		cfg.AgeBasedScaled = false
	case OpDataAccess:
		cfg.Algorithm = SlidingWindow
		cfg.MaxRequests = 60
		cfg.Window = time.Hour
		cfg.AgeBasedScaled = false
	default:
		// Unknown operations get the strictest treatment.
		cfg.MaxRequests = 10
		cfg.Window = time.Hour
		cfg.AgeBasedScaled = false
	}
	return cfg
}
