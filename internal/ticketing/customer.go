package ticketing

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FlexString decodes a JSON string or number into a string.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Customer is a directory record as returned by the ticketing and Intynet
// search endpoints. The two systems name some fields differently; both
// spellings are accepted.
type Customer struct {
	ID               FlexString `json:"id"`
	ReferencesNumber string     `json:"references_number"`
	Type             string     `json:"type"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Phone            string     `json:"phone"`
	NIK              string     `json:"nik"`
	Address          string     `json:"address"`
	City             string     `json:"city"`
	SiteID           FlexString `json:"site_id"`
	SiteName         string     `json:"site_name"`
	ProfileName      string     `json:"profile_name"`
	Status           string     `json:"status"`
}

func (c *Customer) UnmarshalJSON(b []byte) error {
	type plain Customer
	aux := struct {
		*plain
		PhoneNumber string `json:"phone_number"`
		SiteAddress string `json:"site_address"`
		SiteCity    string `json:"site_city"`
		Package     string `json:"package"`
		CustomerID  string `json:"customer_id"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if c.Phone == "" {
		c.Phone = aux.PhoneNumber
	}
	if c.Address == "" {
		c.Address = aux.SiteAddress
	}
	if c.City == "" {
		c.City = aux.SiteCity
	}
	if c.ProfileName == "" {
		c.ProfileName = aux.Package
	}
	if c.ReferencesNumber == "" {
		c.ReferencesNumber = aux.CustomerID
	}
	return nil
}

// Reference returns the number the customer quotes as their id.
func (c Customer) Reference() string {
	if c.ReferencesNumber != "" {
		return c.ReferencesNumber
	}
	return string(c.ID)
}

// Matches reports whether id identifies this customer exactly.
func (c Customer) Matches(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	return strings.EqualFold(c.ReferencesNumber, id) || strings.EqualFold(string(c.ID), id)
}

type customerPayload struct {
	ReferencesNumber string `json:"references_number"`
	Type             string `json:"type"`
	Name             string `json:"name"`
	Email            string `json:"email,omitempty"`
	PhoneNumber      string `json:"phone_number,omitempty"`
	NIK              string `json:"nik,omitempty"`
	SiteCity         string `json:"site_city"`
	SiteName         string `json:"site_name"`
	SiteAddress      string `json:"site_address,omitempty"`
	ProfileName      string `json:"profile_name"`
}

func newCustomerPayload(c Customer) customerPayload {
	return customerPayload{
		ReferencesNumber: c.Reference(),
		Type:             firstNonEmpty(c.Type, "personal"),
		Name:             firstNonEmpty(c.Name, "Unknown"),
		Email:            c.Email,
		PhoneNumber:      c.Phone,
		NIK:              c.NIK,
		SiteCity:         firstNonEmpty(c.City, DefaultSiteCity),
		SiteName:         firstNonEmpty(c.SiteName, c.Name, "Site"),
		SiteAddress:      c.Address,
		ProfileName:      firstNonEmpty(c.ProfileName, "Default"),
	}
}

// Report is an incoming report filed for a verified customer.
type Report struct {
	CustomerName    string
	CustomerPhone   string
	Description     string
	CustomerID      string
	CustomerSiteID  string
	ReferenceNumber string
	ProblemTime     string
	SessionID       string
}

type reportPayload struct {
	CustomerName             string `json:"customer_name"`
	CustomerPhone            string `json:"customer_phone"`
	Description              string `json:"description"`
	CustomerID               string `json:"customer_id,omitempty"`
	CustomerSiteID           string `json:"customer_site_id,omitempty"`
	CustomerReferencesNumber string `json:"customer_references_number,omitempty"`
	ProblemTime              string `json:"problem_time,omitempty"`
	QiscusSessionID          string `json:"qiscus_session_id,omitempty"`
}

func newReportPayload(r Report) reportPayload {
	return reportPayload{
		CustomerName:             r.CustomerName,
		CustomerPhone:            r.CustomerPhone,
		Description:              r.Description,
		CustomerID:               r.CustomerID,
		CustomerSiteID:           r.CustomerSiteID,
		CustomerReferencesNumber: r.ReferenceNumber,
		ProblemTime:              r.ProblemTime,
		QiscusSessionID:          r.SessionID,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
