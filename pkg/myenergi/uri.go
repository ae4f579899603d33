package myenergi

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const (
	// DefaultAPIRoot is the director-assigned server most hubs are served from.
	DefaultAPIRoot = "https://s7.myenergi.net"

	defaultSeparator = "-"
)

// BuildURI returns the request URI for the given command. Values are joined
// in order (or sorted key order if order is empty) with sep (or "-") and
// appended to the command as /cgi-<command>-<joined>. The joined block is
// not escaped since the API expects literal separators.
func BuildURI(apiRoot, command string, params map[string]string, order []string, sep string) (string, error) {
	if sep == "" {
		sep = defaultSeparator
	}
	if len(order) == 0 {
		order = make([]string, 0, len(params))
		for k := range params {
			order = append(order, k)
		}
		sort.Strings(order)
	}

	values := make([]string, 0, len(order))
	for _, name := range order {
		v, ok := params[name]
		if !ok {
			return "", &InvalidParameterError{Name: name}
		}
		values = append(values, v)
	}

	u, err := url.Parse(apiRoot)
	if err != nil {
		return "", fmt.Errorf("invalid api root (%s): %w", apiRoot, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid api root (%s): missing scheme or host", apiRoot)
	}
	return u.Scheme + "://" + u.Host + "/cgi-" + command + "-" + strings.Join(values, sep), nil
}
