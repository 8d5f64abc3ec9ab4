package api

import "time"

type UsageSnapshot struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
	Images  int64 `json:"images"`
}

type UsageLimits struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
	Images  int64 `json:"images"`
}

type UsageResponse struct {
	Usage  UsageSnapshot `json:"usage"`
	Limits UsageLimits   `json:"limits"`
}

// QuotaExceededResponse is the 402 payload. The client must replace (not
// sum) its displayed counters with Usage and navigate to Redirect.
type QuotaExceededResponse struct {
	Error    string        `json:"error"`
	Redirect string        `json:"redirect"`
	Usage    UsageSnapshot `json:"usage"`
	Limits   UsageLimits   `json:"limits"`
}

type GenerateImageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

type GeneratedImageItem struct {
	URL       string    `json:"url"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"createdAt"`
}

type GenerateImageResponse struct {
	Image GeneratedImageItem `json:"image"`
}
