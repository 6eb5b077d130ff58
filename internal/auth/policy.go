package auth

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PasswordPolicy mirrors the account rules users are told about at sign up.
type PasswordPolicy struct {
	MinLength           int
	MaxBytes            int
	RequireDigit        bool
	RequireLowercase    bool
	RequireUppercase    bool
	RequireNonAlnum     bool
	RequiredUniqueChars int
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:           8,
		MaxBytes:            maxPasswordBytes,
		RequireDigit:        true,
		RequireLowercase:    true,
		RequireUppercase:    true,
		RequireNonAlnum:     true,
		RequiredUniqueChars: 1,
	}
}

const (
	// bcrypt only accepts passwords up to this many bytes.
	maxPasswordBytes = 72

	minUsernameLength = 3
	maxUsernameLength = 50
	maxEmailLength    = 255
)

var folder = cases.Fold()

// NormalizeEmail produces the key emails are unique on.
func NormalizeEmail(email string) string {
	return folder.String(norm.NFKC.String(strings.TrimSpace(email)))
}

// NormalizeUsername produces the key usernames are unique on.
func NormalizeUsername(username string) string {
	return folder.String(norm.NFKC.String(strings.TrimSpace(username)))
}

// Check returns the broken rules for a password, empty when it passes.
func (p PasswordPolicy) Check(password string) []string {
	var reasons []string

	if len([]rune(password)) < p.MinLength {
		reasons = append(reasons, fmt.Sprintf("Passwords must be at least %d characters.", p.MinLength))
	}
	if p.MaxBytes > 0 && len(password) > p.MaxBytes {
		reasons = append(reasons, fmt.Sprintf("Passwords must be at most %d bytes.", p.MaxBytes))
	}

	var hasDigit, hasLower, hasUpper, hasOther bool
	unique := make(map[rune]struct{})
	for _, r := range password {
		unique[r] = struct{}{}
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		default:
			hasOther = true
		}
	}

	if p.RequireNonAlnum && !hasOther {
		reasons = append(reasons, "Passwords must have at least one non alphanumeric character.")
	}
	if p.RequireDigit && !hasDigit {
		reasons = append(reasons, "Passwords must have at least one digit ('0'-'9').")
	}
	if p.RequireLowercase && !hasLower {
		reasons = append(reasons, "Passwords must have at least one lowercase ('a'-'z').")
	}
	if p.RequireUppercase && !hasUpper {
		reasons = append(reasons, "Passwords must have at least one uppercase ('A'-'Z').")
	}
	if len(unique) < p.RequiredUniqueChars {
		reasons = append(reasons, fmt.Sprintf("Passwords must use at least %d different characters.", p.RequiredUniqueChars))
	}
	return reasons
}

// CheckUsername allows letters, digits and underscores only.
func CheckUsername(username string) []string {
	var reasons []string
	n := len([]rune(username))
	if n < minUsernameLength || n > maxUsernameLength {
		reasons = append(reasons, fmt.Sprintf("Username must be between %d and %d characters.", minUsernameLength, maxUsernameLength))
	}
	for _, r := range username {
		if !(r == '_' || r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			reasons = append(reasons, fmt.Sprintf("Username '%s' is invalid, can only contain letters, digits or underscores.", username))
			break
		}
	}
	return reasons
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// CheckEmail validates the syntax of a single bare address.
func CheckEmail(email string) []string {
	if len(email) > maxEmailLength {
		return []string{fmt.Sprintf("Email must be at most %d characters.", maxEmailLength)}
	}
	if !emailRegex.MatchString(email) {
		return []string{fmt.Sprintf("Email '%s' is invalid.", email)}
	}
	return nil
}

// checkRegistration runs every identity rule and joins the failures.
func checkRegistration(policy PasswordPolicy, username, email, password string) error {
	var reasons []string
	reasons = append(reasons, CheckUsername(username)...)
	reasons = append(reasons, CheckEmail(email)...)
	reasons = append(reasons, policy.Check(password)...)
	if len(reasons) > 0 {
		return &PolicyError{Reasons: reasons}
	}
	return nil
}
