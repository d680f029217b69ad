package detectors

// PIIPatterns defines regex patterns for entity types that have a reliable
// surface form. Free-form types such as PERSON need the model detector.
var PIIPatterns = map[string]string{
	EntityEmail:      `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
	EntityPhone:      `(?:\+?\d{1,3}[-. ]?)?\(?\b\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`,
	EntitySSN:        `\b\d{3}-\d{2}-\d{4}\b`,
	EntityCreditCard: `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
	EntityDateTime:   `\b(?:0?[1-9]|[12][0-9]|3[01])[-/.](?:0?[1-9]|1[0-2])[-/.](?:19|20)\d{2}\b`,
	EntityIBAN:       `\b[A-Z]{2}\d{2}(?:\s?[A-Z0-9]{4}){3,7}(?:\s?[A-Z0-9]{1,4})?\b`,
	EntityIPAddress:  `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`,
}
