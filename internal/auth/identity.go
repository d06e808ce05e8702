package auth

// Tier is the entitlement level of an identity.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Identity is whoever is making the request: a signed-in user or an
// anonymous visitor identified by a signed cookie.
type Identity struct {
	ID        string
	Email     string
	Anonymous bool
}

// Key is the string used for quota counters, subscription ownership and
// entitlement cookies.
func (i Identity) Key() string {
	if i.ID == "" {
		return ""
	}
	if i.Anonymous {
		return "anon:" + i.ID
	}
	return "user:" + i.ID
}
