package files

// Principal is the identity behind a request. Both the coordinator and the
// gate decide access only through these capability checks.
type Principal interface {
	// ID is the user id, empty for anonymous callers.
	ID() string
	Authenticated() bool
	IsOwner(rec *FileRecord) bool
	IsPublicReadable(rec *FileRecord) bool
}

// User is an authenticated principal.
type User string

func (u User) ID() string          { return string(u) }
func (u User) Authenticated() bool { return u != "" }

func (u User) IsOwner(rec *FileRecord) bool {
	return rec != nil && u != "" && rec.OwnerID == string(u)
}

func (u User) IsPublicReadable(rec *FileRecord) bool {
	return publicReadable(rec)
}

type anonymous struct{}

// Anonymous is the principal of callers without credentials.
var Anonymous Principal = anonymous{}

func (anonymous) ID() string                            { return "" }
func (anonymous) Authenticated() bool                   { return false }
func (anonymous) IsOwner(*FileRecord) bool              { return false }
func (anonymous) IsPublicReadable(rec *FileRecord) bool { return publicReadable(rec) }

func publicReadable(rec *FileRecord) bool {
	return rec != nil && rec.Permissions == PermissionPublic
}

// CanRead applies the download policy: public first, then ownership.
func CanRead(p Principal, rec *FileRecord) bool {
	p = orAnonymous(p)
	return p.IsPublicReadable(rec) || p.IsOwner(rec)
}

func orAnonymous(p Principal) Principal {
	if p == nil {
		return Anonymous
	}
	return p
}
