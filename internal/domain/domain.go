package domain

// Citizen statuses.
const (
	CitizenActive      = "active"
	CitizenHibernating = "hibernating"
)

// Need statuses.
const (
	NeedOpen      = "open"
	NeedCompleted = "completed"
	NeedUnfunded  = "unfunded"
)

// World statuses.
const (
	WorldActive  = "active"
	WorldExtinct = "extinct"
)

// WorldSender is the sender recorded on world-originated credits.
const WorldSender = "world"

type World struct {
	Day       int    `json:"day"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Citizen struct {
	ID           string `json:"id"`
	Balance      int    `json:"balance"`
	TotalEarned  int    `json:"total_earned"`
	TotalSpent   int    `json:"total_spent"`
	Status       string `json:"status" enum:"active,hibernating"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
}

type Treasury struct {
	Balance        int `json:"balance"`
	Seed           int `json:"seed"`
	ExternalIncome int `json:"external_income"`
	TotalSpent     int `json:"total_spent"`
}

type TreasuryStatus struct {
	Balance        int     `json:"balance"`
	ExternalIncome int     `json:"external_income"`
	TotalSpent     int     `json:"total_spent"`
	DaysLeft       float64 `json:"days_left"`
	Healthy        bool    `json:"healthy"`
}

type TreasuryEntry struct {
	ID           int64  `json:"id"`
	Type         string `json:"type" enum:"deposit,withdraw"`
	Amount       int    `json:"amount"`
	Source       string `json:"source"`
	BalanceAfter int    `json:"balance_after"`
	TS           string `json:"ts" format:"date-time"`
}

type Transaction struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   int    `json:"amount"`
	Reason   string `json:"reason,omitempty"`
	TS       string `json:"ts" format:"date-time"`
}

type Need struct {
	ID          string       `json:"id"`
	Day         int          `json:"day"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Reward      int          `json:"reward"`
	Status      string       `json:"status" enum:"open,completed,unfunded"`
	WinnerID    *string      `json:"winner_id,omitempty"`
	External    bool         `json:"external"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	ArchivedAt  *string      `json:"archived_at,omitempty" format:"date-time"`
	Submissions []Submission `json:"submissions,omitempty"`
	// Votes maps voter id to candidate id; one counted vote per voter.
	Votes map[string]string `json:"votes,omitempty"`
}

type Submission struct {
	ID          string `json:"id"`
	NeedID      string `json:"need_id"`
	Day         int    `json:"day"`
	CitizenID   string `json:"citizen_id"`
	Content     string `json:"content"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Vote struct {
	NeedID      string `json:"need_id"`
	Day         int    `json:"day"`
	VoterID     string `json:"voter_id"`
	CandidateID string `json:"candidate_id"`
	TS          string `json:"ts" format:"date-time"`
}

type ChronicleEntry struct {
	ID          int64  `json:"id"`
	Day         int    `json:"day"`
	Type        string `json:"type"`
	Description string `json:"description"`
	CitizenID   string `json:"citizen_id,omitempty"`
	PayloadJSON string `json:"payload_json,omitempty"`
	TS          string `json:"ts" format:"date-time"`
}

type PlazaMessage struct {
	ID        int64  `json:"id"`
	CitizenID string `json:"citizen_id"`
	Content   string `json:"content"`
	Day       int    `json:"day"`
	TS        string `json:"ts" format:"date-time"`
}

type Output struct {
	ID              string `json:"id"`
	CitizenID       string `json:"citizen_id"`
	Type            string `json:"type"`
	Title           string `json:"title"`
	ContentPath     string `json:"content_path,omitempty"`
	Day             int    `json:"day"`
	IncomeGenerated int    `json:"income_generated"`
	TS              string `json:"ts" format:"date-time"`
}

type IncomeEntry struct {
	ID            int64  `json:"id"`
	Amount        int    `json:"amount"`
	CitizenID     string `json:"citizen_id"`
	CitizenShare  int    `json:"citizen_share"`
	TreasuryShare int    `json:"treasury_share"`
	Source        string `json:"source"`
	TS            string `json:"ts" format:"date-time"`
}

// Snapshot is the read-only world view handed to a citizen's agent each round.
type Snapshot struct {
	Day             int               `json:"day"`
	Round           int               `json:"round"`
	Rounds          int               `json:"rounds"`
	Self            SnapshotSelf      `json:"self"`
	Treasury        TreasuryStatus    `json:"treasury"`
	OpenNeeds       []Need            `json:"open_needs"`
	PlazaRecent     []PlazaMessage    `json:"plaza_recent"`
	OtherCitizens   map[string]string `json:"other_citizens"`
	YesterdayEvents []ChronicleEntry  `json:"yesterday_events"`
}

type SnapshotSelf struct {
	ID         string `json:"id"`
	Balance    int    `json:"balance"`
	Status     string `json:"status"`
	DaysToLive int    `json:"days_to_live"`
}

// DaySummary is the structured chronicle entry archived at day close.
type DaySummary struct {
	Day      int               `json:"day"`
	Treasury TreasuryStatus    `json:"treasury"`
	Survival map[string]string `json:"survival"`
	Rewards  map[string]int    `json:"rewards,omitempty"`
}
