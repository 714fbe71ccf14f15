// Package models defines the persistent entities shared by the store,
// the dispatcher, and the schedulers.
package models

import "time"

// ProviderKind identifies one upstream provider family.
type ProviderKind string

const (
	ProviderKiro        ProviderKind = "kiro"        // Claude over AWS CodeWhisperer
	ProviderAntigravity ProviderKind = "antigravity" // Gemini over GCP v1internal
	ProviderOrchids     ProviderKind = "orchids"     // Claude over WebSocket
	ProviderAgent       ProviderKind = "agent"       // protobuf-over-SSE command agent
)

// AuthMethod identifies how a credential authenticates against its provider.
type AuthMethod string

const (
	AuthSocial      AuthMethod = "social"
	AuthDeviceCode  AuthMethod = "device_code"
	AuthIdC         AuthMethod = "idc"
	AuthGoogleOAuth AuthMethod = "google_oauth"
	AuthRefreshOnly AuthMethod = "refresh_only"
)

// CredentialColumns is the shared column set of all credential tables.
// AccessToken may be empty until the first refresh; RefreshToken is required
// for any credential participating in pool selection.
type CredentialColumns struct {
	ID           uint       `gorm:"primaryKey"`
	Name         string     `gorm:"size:191"`
	AuthMethod   AuthMethod `gorm:"size:32"`
	AccessToken  string     `gorm:"type:text"`
	RefreshToken string     `gorm:"type:text"`
	ClientID     string     `gorm:"size:255"`
	ClientSecret string     `gorm:"size:255"`
	Region       string     `gorm:"size:64"`
	ProjectID    string     `gorm:"size:191"` // account-scope identifier
	ExpiresAt    time.Time
	UseCount     int64
	Active       bool
	ErrorCount   int
	LastError    string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Credential is a Claude/AWS (kiro) upstream account.
type Credential struct{ CredentialColumns }

func (Credential) TableName() string { return "credentials" }

// ErrorCredential shadows Credential for quarantined rows.
type ErrorCredential struct {
	CredentialColumns
	ErrorAt      time.Time
	ErrorMessage string `gorm:"type:text"`
}

func (ErrorCredential) TableName() string { return "error_credentials" }

// GeminiCredential is a Gemini/GCP upstream account.
type GeminiCredential struct{ CredentialColumns }

func (GeminiCredential) TableName() string { return "gemini_credentials" }

// GeminiErrorCredential shadows GeminiCredential.
type GeminiErrorCredential struct {
	CredentialColumns
	ErrorAt      time.Time
	ErrorMessage string `gorm:"type:text"`
}

func (GeminiErrorCredential) TableName() string { return "gemini_error_credentials" }

// WsCredential is a WebSocket-provider account. AccessToken holds the
// session JWT; RefreshToken holds the long-lived client JWT.
type WsCredential struct{ CredentialColumns }

func (WsCredential) TableName() string { return "ws_credentials" }

// AgentCredential is a protobuf-agent account.
type AgentCredential struct{ CredentialColumns }

func (AgentCredential) TableName() string { return "agent_credentials" }

// User owns API keys. Admin CRUD lives outside the core.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"size:191;uniqueIndex"`
	Password  string `gorm:"size:255"`
	IsAdmin   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }

// ApiKey authenticates a downstream client. The full key is never stored;
// only its SHA-256 hash is used for verification.
type ApiKey struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index"`
	Name      string `gorm:"size:191"`
	KeyPrefix string `gorm:"size:16"`
	KeyHash   string `gorm:"size:64;uniqueIndex"`
	Active    bool

	DailyLimit    int64   // requests per day, 0 = unlimited
	MonthlyLimit  int64   // requests per month
	TotalLimit    int64   // lifetime requests
	DailyCost     float64 // USD per day, 0 = unlimited
	MonthlyCost   float64 // USD per month
	TotalCost     float64 // USD lifetime
	RateLimit     int     // requests per minute
	Concurrency   int     // concurrent in-flight per (key, ip)
	ValidityDays  int     // 0 = never expires
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastUsedAt    *time.Time
}

func (ApiKey) TableName() string { return "api_keys" }

// ExpiresAt returns the key's expiry instant, or zero when it never expires.
func (k *ApiKey) ExpiresAt() time.Time {
	if k.ValidityDays <= 0 {
		return time.Time{}
	}
	return k.CreatedAt.AddDate(0, 0, k.ValidityDays)
}

// ApiLog is one content-free accounting record per handled request.
type ApiLog struct {
	ID           uint   `gorm:"primaryKey"`
	RequestID    string `gorm:"size:64;index"`
	ApiKeyID     uint   `gorm:"index:idx_logs_key_time"`
	ApiKeyPrefix string `gorm:"size:16"`
	CredentialID uint
	Provider     string `gorm:"size:32"`
	ClientIP     string `gorm:"size:64"`
	UserAgent    string `gorm:"size:255"`
	Method       string `gorm:"size:8"`
	Path         string `gorm:"size:191"`
	Model        string `gorm:"size:128"`
	Stream       bool
	InputTokens  int64
	OutputTokens int64
	StatusCode   int
	ErrorMessage string `gorm:"type:text"`
	DurationMs   int64
	CreatedAt    time.Time `gorm:"index:idx_logs_key_time"`
}

func (ApiLog) TableName() string { return "api_logs" }

// TrialApplication is managed by the admin surface; the core only migrates it.
type TrialApplication struct {
	ID        uint   `gorm:"primaryKey"`
	Email     string `gorm:"size:191"`
	Reason    string `gorm:"type:text"`
	Status    string `gorm:"size:32"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TrialApplication) TableName() string { return "trial_applications" }

// SiteSetting is a key/value row for the admin surface.
type SiteSetting struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"size:191;uniqueIndex;column:setting_key"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (SiteSetting) TableName() string { return "site_settings" }

// All lists every table the store migrates.
func All() []interface{} {
	return []interface{}{
		&User{}, &ApiKey{}, &ApiLog{},
		&Credential{}, &ErrorCredential{},
		&GeminiCredential{}, &GeminiErrorCredential{},
		&WsCredential{}, &AgentCredential{},
		&TrialApplication{}, &SiteSetting{},
	}
}
