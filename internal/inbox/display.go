package inbox

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/soyeahso/salesdesk/internal/domain"
)

// DisplayName picks what the inbox shows for a lead: name, else company,
// else the phone number formatted for humans, else the raw phone.
func DisplayName(lead domain.Lead, region string) string {
	if name := strings.TrimSpace(lead.Name); name != "" {
		return name
	}
	if company := strings.TrimSpace(lead.Company); company != "" {
		return company
	}
	return FormatPhone(lead.Phone, region)
}

// FormatPhone renders phone in international format. Numbers without a
// country code are read in region. Unparseable or invalid numbers come back
// unchanged.
func FormatPhone(phone, region string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	num, err := phonenumbers.Parse(phone, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return phone
	}
	return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
}

// NormalizePhone returns phone in E.164 so the same number written two
// ways resolves to one lead. Numbers that do not parse as valid come back
// trimmed but otherwise unchanged.
func NormalizePhone(phone, region string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	num, err := phonenumbers.Parse(phone, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return phone
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// enrich copies lead display fields onto c.
func enrich(c domain.Conversation, lead domain.Lead, ok bool, region string) domain.Conversation {
	if !ok {
		if c.DisplayName == "" {
			c.DisplayName = c.LeadID
		}
		return c
	}
	c.DisplayName = DisplayName(lead, region)
	if c.DisplayName == "" {
		c.DisplayName = c.LeadID
	}
	c.Sentiment = lead.Sentiment
	c.StageTag = lead.StageTag
	c.LeadPhone = lead.Phone
	c.LeadEmail = lead.Email
	return c
}
