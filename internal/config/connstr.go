package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ConnectionString is a parsed service connection string of the form
// "Endpoint=https://x.webpubsub.azure.com;AccessKey=...;Version=1.0;".
type ConnectionString struct {
	// Endpoint includes Port when one was given.
	Endpoint  string
	AccessKey string
	Port      int
}

func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	var endpoint, port string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return cs, fmt.Errorf("connection string: malformed segment %q", part)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			endpoint = strings.TrimSpace(value)
		case "accesskey":
			cs.AccessKey = strings.TrimSpace(value)
		case "port":
			port = strings.TrimSpace(value)
		}
	}

	if endpoint == "" {
		return cs, errors.New("connection string missing endpoint")
	}
	if cs.AccessKey == "" {
		return cs, errors.New("connection string missing access key")
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return cs, fmt.Errorf("connection string: invalid endpoint %q", endpoint)
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return cs, fmt.Errorf("connection string: invalid port %q", port)
		}
		cs.Port = n
		u.Host = u.Hostname() + ":" + port
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	cs.Endpoint = u.String()
	return cs, nil
}
