package generators

import (
	"fmt"
	"regexp"
)

// HashWidth is the number of hex digits of the keyed hash kept in a pseudonym
const HashWidth = 6

// Template formats a pseudonym from the uppercase hash prefix
type Template func(hash string) string

// NameGenerator produces Name_XXXXXX
func NameGenerator(hash string) string {
	return "Name_" + hash
}

// EmailGenerator produces an email-shaped pseudonym on a reserved domain
func EmailGenerator(hash string) string {
	return fmt.Sprintf("Email_%s@example.com", hash)
}

func PhoneGenerator(hash string) string {
	return "Phone_" + hash
}

func DateGenerator(hash string) string {
	return "Date_" + hash
}

func CreditCardGenerator(hash string) string {
	return "CC_" + hash
}

func AddressGenerator(hash string) string {
	return "Address_" + hash
}

func SSNGenerator(hash string) string {
	return "SSN_" + hash
}

func IbanGenerator(hash string) string {
	return "IBAN_" + hash
}

func IPAddressGenerator(hash string) string {
	return "IP_" + hash
}

func AccountGenerator(hash string) string {
	return "Account_" + hash
}

func IDCardGenerator(hash string) string {
	return "ID_" + hash
}

func OrganizationGenerator(hash string) string {
	return "Org_" + hash
}

func UsernameGenerator(hash string) string {
	return "User_" + hash
}

// GenericGenerator is used for entity types without a dedicated template
func GenericGenerator(hash string) string {
	return "PII_" + hash
}

// PseudonymPattern matches any string a template in this package can produce.
// The email template is listed first so its domain suffix is consumed.
var PseudonymPattern = regexp.MustCompile(
	`\bEmail_[0-9A-F]{6}@example\.com\b|\b(?:Name|Phone|Date|CC|Address|SSN|IBAN|IP|Account|ID|Org|User|PII)_[0-9A-F]{6}\b`,
)

// MaxPseudonymLen is the length of the longest pseudonym a template can produce
var MaxPseudonymLen = len(EmailGenerator("XXXXXX"))
