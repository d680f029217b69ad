package detectors

// DetectorInput represents the input for PII detection
type DetectorInput struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// DetectorOutput represents the output of PII detection
type DetectorOutput struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
}

// Entity represents a detected PII span.
// StartPos and EndPos are byte offsets into the detector input text.
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	StartPos   int     `json:"start_pos"`
	EndPos     int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
}

// Canonical entity types. Detectors report one of these labels so that the
// pseudonym templates do not depend on which detector produced the span.
const (
	EntityPerson       = "PERSON"
	EntityName         = "NAME"
	EntityEmail        = "EMAIL_ADDRESS"
	EntityPhone        = "PHONE_NUMBER"
	EntityDateTime     = "DATE_TIME"
	EntityCreditCard   = "CREDIT_CARD"
	EntityAddress      = "ADDRESS"
	EntityLocation     = "LOCATION"
	EntitySSN          = "US_SSN"
	EntityIBAN         = "IBAN_CODE"
	EntityIPAddress    = "IP_ADDRESS"
	EntityAccount      = "ACCOUNT_NUMBER"
	EntityIDCard       = "ID_CARD"
	EntityDriverLic    = "DRIVER_LICENSE"
	EntityTaxNumber    = "TAX_NUMBER"
	EntityUsername     = "USERNAME"
	EntityZipCode      = "ZIP_CODE"
	EntityOrganization = "ORGANIZATION"
)

// modelLabels maps token-classification labels emitted by the NER model to
// canonical entity types.
var modelLabels = map[string]string{
	"FIRSTNAME":        EntityPerson,
	"SURNAME":          EntityPerson,
	"PER":              EntityPerson,
	"PERSON":           EntityPerson,
	"EMAIL":            EntityEmail,
	"TELEPHONENUM":     EntityPhone,
	"PHONENUMBER":      EntityPhone,
	"DATEOFBIRTH":      EntityDateTime,
	"DATE":             EntityDateTime,
	"CREDITCARDNUMBER": EntityCreditCard,
	"STREET":           EntityAddress,
	"BUILDINGNUM":      EntityAddress,
	"CITY":             EntityLocation,
	"LOC":              EntityLocation,
	"ZIPCODE":          EntityZipCode,
	"SOCIALNUM":        EntitySSN,
	"ACCOUNTNUM":       EntityAccount,
	"IDCARDNUM":        EntityIDCard,
	"DRIVERLICENSENUM": EntityDriverLic,
	"TAXNUM":           EntityTaxNumber,
	"USERNAME":         EntityUsername,
	"ORG":              EntityOrganization,
}

// NormalizeLabel returns the canonical entity type for a detector label.
// Unknown labels are returned unchanged.
func NormalizeLabel(label string) string {
	if canonical, ok := modelLabels[label]; ok {
		return canonical
	}
	return label
}
