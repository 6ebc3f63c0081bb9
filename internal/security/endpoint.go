package security

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateEndpointURL checks that rawURL can serve as an outbound base URL:
// absolute http(s), a host, and no query or fragment that path templating
// would append to.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" || u.Hostname() == "" {
		return fmt.Errorf("URL must have a host")
	}

	if u.RawQuery != "" || u.Fragment != "" || strings.HasSuffix(rawURL, "?") {
		return fmt.Errorf("URL must not carry a query or fragment")
	}

	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}

	return nil
}
