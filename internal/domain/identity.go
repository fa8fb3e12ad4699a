package domain

// IdentityClaims is the normalized result of a verified provider ID token.
// Subject is the only field usable as a join key.
type IdentityClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
	Audience      string
	Issuer        string
}
