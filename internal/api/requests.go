package api

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ChatIDsRequest carries a recipient list
type ChatIDsRequest struct {
	ChatIDs []string `json:"chat_ids"`
}

// Validate checks that at least one non-blank chat id is present
func (r ChatIDsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ChatIDs, validation.Required, validation.Each(validation.Required)),
	)
}

// CreatePostRequest is the body of POST /posts
type CreatePostRequest struct {
	Image        string `json:"image"`
	Description  string `json:"description"`
	LinkToButton string `json:"link_to_button"`
}

// Validate requires some content to send
func (r CreatePostRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Description, validation.When(strings.TrimSpace(r.Image) == "", validation.Required.Error("description or image is required"))),
		validation.Field(&r.LinkToButton, validation.Length(0, 2048)),
	)
}

// CreateSalesRuleRequest is the body of POST /sales-rules
type CreateSalesRuleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
	MaxUses     int    `json:"max_uses"`
}

// Validate checks the campaign definition
func (r CreateSalesRuleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.MaxUses, validation.Required, validation.Min(1)),
	)
}

// UpdateCouponRequest is the body of PUT /coupons/{id}. Nil fields keep
// their stored value.
type UpdateCouponRequest struct {
	MaxUses   *int  `json:"max_uses"`
	UsesCount *int  `json:"uses_count"`
	IsSent    *bool `json:"is_sent"`
}

// Validate rejects negative counters
func (r UpdateCouponRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxUses, validation.NilOrNotEmpty, validation.Min(1)),
		validation.Field(&r.UsesCount, validation.Min(0)),
	)
}

// SettingRequest is the body of PUT /settings/{key}
type SettingRequest struct {
	Value       string `json:"value"`
	Description string `json:"description"`
}

// Validate requires a value
func (r SettingRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Value, validation.Required),
	)
}
