package domain

import "time"

type SubscriptionPlan string

const (
	PlanFree SubscriptionPlan = "free"
	PlanPro  SubscriptionPlan = "pro"
)

type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountDeleted AccountStatus = "deleted"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is the short-lived credential bundle proving the current user's
// authentication. Held in memory by the session resolver and mirrored into
// durable client-side storage for recovery across restarts.
type Session struct {
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	ExpiresAt    time.Time
}

// Profile is the durable per-user business record.
type Profile struct {
	ID                 string           `json:"id"`
	Email              string           `json:"email"`
	FullName           string           `json:"full_name"`
	SubscriptionPlan   SubscriptionPlan `json:"subscription_plan"`
	SubscriptionStatus string           `json:"subscription_status"`
	QueryCount         int              `json:"query_count"`
	AccountStatus      AccountStatus    `json:"account_status"`
	IsAdmin            bool             `json:"is_admin"`
	AssistantID        string           `json:"assistant_id"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

type Conversation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Title         string     `json:"title"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Message is a single transcript entry. UserID is empty for assistant rows.
// Pending marks an optimistic client-only record awaiting persistence;
// Streaming marks an assistant record whose content is still growing.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Pending        bool      `json:"-"`
	Streaming      bool      `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}
