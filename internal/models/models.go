// Package models defines the core data structures for FunnelPipe.
//
// It includes the user record, funnel states, follow-up tasks, content assets
// and the JSON envelope returned by the API, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Error variables for better error handling and testability
var (
	// ErrNotFound is returned when an operation references a user that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a requested state change is not allowed.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrEmptyUserID is returned when a user id is missing.
	ErrEmptyUserID = errors.New("user id cannot be empty")
	// ErrUnknownOffering is returned when an offering tag is not in the catalog.
	ErrUnknownOffering = errors.New("unknown offering")
)

// EntryTag records how a user arrived in the funnel.
type EntryTag string

const (
	EntryTelegramAds  EntryTag = "telegram_ads"
	EntryFacebookAds  EntryTag = "facebook_ads"
	EntryGoogleAds    EntryTag = "google_ads"
	EntryYouTubeAds   EntryTag = "youtube_ads"
	EntryInstagramAds EntryTag = "instagram_ads"
	EntryTikTokAds    EntryTag = "tiktok_ads"
	EntryXAds         EntryTag = "x_ads"
	EntryAdsgram      EntryTag = "adsgram"

	// DefaultEntryTag is used when the inbound event carries no recognised tag.
	DefaultEntryTag = EntryTelegramAds
)

// ParseEntryTag normalises a raw tag, falling back to DefaultEntryTag.
func ParseEntryTag(raw string) EntryTag {
	switch tag := EntryTag(raw); tag {
	case EntryTelegramAds, EntryFacebookAds, EntryGoogleAds, EntryYouTubeAds,
		EntryInstagramAds, EntryTikTokAds, EntryXAds, EntryAdsgram:
		return tag
	default:
		return DefaultEntryTag
	}
}

// Profile holds the display details supplied by the transport on session start.
type Profile struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// DisplayName returns the name used to address the user, or fallback when unknown.
func (p Profile) DisplayName(fallback string) string {
	if p.FirstName != "" {
		return p.FirstName
	}
	if p.Username != "" {
		return p.Username
	}
	return fallback
}

// User is the persisted funnel record for one prospect.
type User struct {
	ID                 string      `json:"id"`
	EntryTag           EntryTag    `json:"entry_tag"`
	Profile            Profile     `json:"profile"`
	State              FunnelState `json:"state"`
	Offering           string      `json:"offering,omitempty"`
	SelectionHistory   []string    `json:"selection_history"`
	ConvertedOfferings []string    `json:"converted_offerings"`
	ContentShownCount  int         `json:"content_shown_count"`
	LastActive         time.Time   `json:"last_active"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// HasConverted reports whether the user already converted on offering.
func (u *User) HasConverted(offering string) bool {
	return containsString(u.ConvertedOfferings, offering)
}

// HasSelected reports whether offering is or has been the user's selection.
func (u *User) HasSelected(offering string) bool {
	return u.Offering == offering || containsString(u.SelectionHistory, offering)
}

// ContentAsset is a static catalog entry shown as social proof.
type ContentAsset struct {
	ID        string `json:"id" yaml:"id"`
	Offering  string `json:"offering" yaml:"offering"`
	MediaPath string `json:"media_path" yaml:"media_path"`
	Caption   string `json:"caption" yaml:"caption"`
}

// ServiceStat is the converted-count counter for one offering.
type ServiceStat struct {
	Offering  string    `json:"offering"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReceiptStatus is the delivery state reported by a transport.
type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "sent"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
)

// Receipt is a delivery event for one outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Handle string        `json:"handle,omitempty"`
	Status ReceiptStatus `json:"status"`
	Time   int64         `json:"time"`
}

// AddToSet appends value to set unless it is already present.
func AddToSet(set []string, value string) []string {
	if containsString(set, value) {
		return set
	}
	return append(set, value)
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDuplicate indicates an inbound event was already applied.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Duplicate creates a response acknowledging an event that was already applied.
func Duplicate(message string) APIResponse {
	return APIResponse{Status: string(APIStatusDuplicate), Message: message}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
