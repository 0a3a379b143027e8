package transfer

import "github.com/golang-jwt/jwt/v5"

type PostCreation struct {
	Content      string   `json:"content"`
	ThreadTexts  []string `json:"thread_texts"`
	Images       []string `json:"images"`
	ScheduledFor string   `json:"scheduled_for"`
	Status       string   `json:"status"`
}

type WindowUsage struct {
	Scheduled int `json:"scheduled"`
	Posted    int `json:"posted"`
	Remaining int `json:"remaining"`
}

type LimitsInfo struct {
	DailyMax   int         `json:"daily_max"`
	MonthlyMax int         `json:"monthly_max"`
	Today      WindowUsage `json:"today"`
	Month      WindowUsage `json:"month"`
}

type CustomClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}
