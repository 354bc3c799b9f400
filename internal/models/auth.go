package models

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// Claims are the fields the engine puts in its JWTs.
type Claims struct {
	Subject  string `json:"sub"`
	UserID   int64  `json:"userId"`
	Email    string `json:"email"`
	TenantID int64  `json:"tenantId"`
	Role     string `json:"role,omitempty"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}
