package forms

import (
	"fmt"
	"sort"
	"strings"
)

// CanonicalFields lists, per profile key, the PDF field names it is known by.
// Aliases are tried in order and matched case-insensitively.
var CanonicalFields = map[string][]string{
	"full_name":      {"name", "fullname", "full_name", "fullName", "fullName1", "applicant_name", "name_full"},
	"first_name":     {"firstname", "first_name", "firstName", "fname", "given_name"},
	"last_name":      {"lastname", "last_name", "lastName", "lname", "surname", "family_name"},
	"email":          {"email", "email_address", "emailAddress", "e_mail", "e-mail", "mail"},
	"phone":          {"phone", "phone_number", "phoneNumber", "telephone", "tel", "mobile", "cell"},
	"address":        {"address", "street_address", "streetAddress", "street", "address_line_1", "address1"},
	"address_line_2": {"address_line_2", "address2", "address_line2", "apt", "apartment", "unit"},
	"city":           {"city", "town"},
	"state":          {"state", "province", "region"},
	"zip":            {"zip", "zip_code", "zipCode", "postal_code", "postalCode", "postcode"},
	"country":        {"country", "nation"},
	"date_of_birth":  {"dob", "date_of_birth", "dateOfBirth", "birth_date", "birthdate"},
	"ssn":            {"ssn", "social_security_number", "socialSecurityNumber", "tax_id"},
}

// CanonicalKeys returns the known profile keys, sorted.
func CanonicalKeys() []string {
	keys := make([]string, 0, len(CanonicalFields))
	for k := range CanonicalFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MapCanonical maps profile data onto PDF field names. values is keyed by PDF
// field name; mapping records which profile key filled each PDF field so the
// match can be saved for the document. Unknown profile keys and unmatched
// aliases are skipped.
func MapCanonical(data map[string]any, pdfFields []string) (values map[string]any, mapping map[string]string) {
	lower := make(map[string]string, len(pdfFields))
	for _, f := range pdfFields {
		lower[strings.ToLower(f)] = f
	}

	values = make(map[string]any)
	mapping = make(map[string]string)
	for key, value := range data {
		for _, alias := range CanonicalFields[key] {
			if name, ok := lower[strings.ToLower(alias)]; ok {
				values[name] = value
				mapping[name] = key
				break
			}
		}
	}
	return values, mapping
}

// ApplyMapping fills PDF fields from a saved mapping of PDF field name to
// profile key. Fields missing from the document are skipped.
func ApplyMapping(mapping map[string]string, data map[string]any, pdfFields []string) map[string]any {
	present := make(map[string]struct{}, len(pdfFields))
	for _, f := range pdfFields {
		present[f] = struct{}{}
	}

	out := make(map[string]any)
	for pdfField, key := range mapping {
		if _, ok := present[pdfField]; !ok {
			continue
		}
		if v, ok := data[key]; ok {
			out[pdfField] = v
		}
	}
	return out
}

func normalize(v any) any {
	switch v := v.(type) {
	case nil:
		return ""
	case bool, string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}
