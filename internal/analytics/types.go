package analytics

// gaData is the part of a Core Reporting v3 response the client reads.
// Rows hold one string per requested dimension and metric, in order.
type gaData struct {
	Rows                [][]string `json:"rows"`
	ContainsSampledData bool       `json:"containsSampledData"`
	TotalResults        int        `json:"totalResults"`
}

type profileList struct {
	Items []profile `json:"items"`
}

type profile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WebsiteURL    string `json:"websiteUrl"`
	WebPropertyID string `json:"webPropertyId"`
}

type apiErrorEnvelope struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Errors  []apiErrorReason `json:"errors"`
}

type apiErrorReason struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}
