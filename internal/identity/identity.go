// Package identity derives and validates the external identifiers that
// join local rows to the remote system. An identifier reads
// {sourceApp}:{kind}:{token} where the token is a 128-bit value in UUID
// notation, either random or derived deterministically from natural-key
// parts so that re-creating the same entity re-derives the same id.
package identity

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"okrsync/internal/domain"
)

var sourceAppRe = regexp.MustCompile(`^[a-z0-9-]{2,32}$`)

// partSeparator joins normalized natural-key parts in the hash seed. A
// non-printable separator keeps ("ab","c") distinct from ("a","bc").
const partSeparator = "\x1f"

// InvalidSourceAppError reports a source namespace that fails the
// ^[a-z0-9-]{2,32}$ shape.
type InvalidSourceAppError struct {
	SourceApp string
}

func (e InvalidSourceAppError) Error() string {
	return fmt.Sprintf("invalid source app %q: must match [a-z0-9-]{2,32}", e.SourceApp)
}

// InvalidIDError reports a malformed external identifier.
type InvalidIDError struct {
	Value  string
	Reason string
}

func (e InvalidIDError) Error() string {
	return fmt.Sprintf("invalid external id %q: %s", e.Value, e.Reason)
}

// ID is a parsed external identifier.
type ID struct {
	SourceApp string
	Kind      domain.Kind
	Token     string
}

func (id ID) String() string {
	return id.SourceApp + ":" + string(id.Kind) + ":" + id.Token
}

// Random returns an identifier with a fresh 128-bit random token.
func Random(sourceApp string, kind domain.Kind) (ID, error) {
	if !sourceAppRe.MatchString(sourceApp) {
		return ID{}, InvalidSourceAppError{SourceApp: sourceApp}
	}
	if !domain.ValidKind(kind) {
		return ID{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return ID{}, err
	}
	return ID{SourceApp: sourceApp, Kind: kind, Token: u.String()}, nil
}

// Derive returns the deterministic identifier for the given natural-key
// parts. Identical (sourceApp, kind, parts) inputs always derive the
// identical id; parts are normalized first, so case and internal
// whitespace do not change the result.
func Derive(sourceApp string, kind domain.Kind, parts ...string) (ID, error) {
	if !sourceAppRe.MatchString(sourceApp) {
		return ID{}, InvalidSourceAppError{SourceApp: sourceApp}
	}
	if !domain.ValidKind(kind) {
		return ID{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	if len(parts) == 0 {
		return ID{}, fmt.Errorf("derive: at least one natural-key part required")
	}
	seedParts := make([]string, 0, len(parts)+2)
	seedParts = append(seedParts, sourceApp, string(kind))
	for _, p := range parts {
		seedParts = append(seedParts, normalize(p))
	}
	seed := strings.Join(seedParts, partSeparator)

	// Four independent 32-bit hashes of the seed, each with its own
	// discriminator suffix, concatenated to 128 bits.
	var b [16]byte
	for i := 0; i < 4; i++ {
		h := fnv.New32a()
		h.Write([]byte(seed))
		h.Write([]byte{partSeparator[0], byte('0' + i)})
		sum := h.Sum32()
		b[i*4] = byte(sum >> 24)
		b[i*4+1] = byte(sum >> 16)
		b[i*4+2] = byte(sum >> 8)
		b[i*4+3] = byte(sum)
	}
	// Fix version and variant nibbles so the token is indistinguishable
	// from a random UUIDv4.
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	u, err := uuid.FromBytes(b[:])
	if err != nil {
		return ID{}, err
	}
	return ID{SourceApp: sourceApp, Kind: kind, Token: u.String()}, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// Parse splits and validates an externally supplied identifier.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ID{}, InvalidIDError{Value: s, Reason: "want sourceApp:kind:token"}
	}
	if !sourceAppRe.MatchString(parts[0]) {
		return ID{}, InvalidIDError{Value: s, Reason: "bad source app segment"}
	}
	kind := domain.Kind(parts[1])
	if !domain.ValidKind(kind) {
		return ID{}, InvalidIDError{Value: s, Reason: fmt.Sprintf("unknown kind %q", parts[1])}
	}
	u, err := uuid.Parse(parts[2])
	if err != nil {
		return ID{}, InvalidIDError{Value: s, Reason: "token is not a UUID"}
	}
	// uuid.Parse also accepts braced, 32-hex and uppercase spellings; an
	// entity must have exactly one accepted id string, so only the
	// canonical lowercase dashed form passes.
	if u.String() != parts[2] {
		return ID{}, InvalidIDError{Value: s, Reason: "token is not in canonical UUID form"}
	}
	return ID{SourceApp: parts[0], Kind: kind, Token: parts[2]}, nil
}

// Validate checks shape only.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}

// ValidateKind checks shape and that the id names the expected kind.
func ValidateKind(s string, want domain.Kind) error {
	id, err := Parse(s)
	if err != nil {
		return err
	}
	if id.Kind != want {
		return InvalidIDError{Value: s, Reason: fmt.Sprintf("kind %q, want %q", id.Kind, want)}
	}
	return nil
}

// ValidateSourceApp checks a bare source namespace.
func ValidateSourceApp(sourceApp string) error {
	if !sourceAppRe.MatchString(sourceApp) {
		return InvalidSourceAppError{SourceApp: sourceApp}
	}
	return nil
}
