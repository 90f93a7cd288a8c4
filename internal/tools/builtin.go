/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

// Builtins returns the schemas seeded into every fresh registry. Flag
// values mirror the upstream projectdiscovery CLIs; JSON output and silent
// mode default on so results stay machine-parseable.
func Builtins() []Schema {
	return []Schema{
		{
			Name:        "subfinder",
			Version:     "2.6",
			Description: "Passive subdomain enumeration tool using multiple sources",
			Binary:      "subfinder",
			Image:       "projectdiscovery/subfinder:latest",
			Params: []Param{
				{Name: "domain", Flag: "-d", Description: "Target domain to enumerate", Type: ParamString, Example: "example.com"},
				{Name: "domains_file", Flag: "-dL", Description: "File containing list of domains", Type: ParamFile},
				{Name: "sources", Flag: "-sources", Description: "Specific sources to use", Type: ParamArray},
				{Name: "recursive", Flag: "-recursive", Description: "Enable recursive enumeration", Type: ParamBoolean},
				{Name: "all_sources", Flag: "-all", Description: "Use all available sources", Type: ParamBoolean},
				{Name: "output", Flag: "-o", Description: "Output file path", Type: ParamFile},
				{Name: "json_output", Flag: "-json", Description: "Output in JSON lines format", Type: ParamBoolean, Default: true},
				{Name: "silent", Flag: "-silent", Description: "Suppress output banner", Type: ParamBoolean, Default: true},
			},
			OneRequired: [][]string{{"domain", "domains_file"}},
			Examples: []string{
				"subfinder -d example.com -silent",
				"subfinder -dL domains.txt -all -o subdomains.txt",
			},
			Category:       "recon",
			Tags:           []string{"subdomain", "dns", "passive", "enumeration"},
			DefaultTimeout: 600,
			OutputFormat:   FormatJSON,
		},
		{
			Name:        "naabu",
			Version:     "2.1",
			Description: "Fast port scanner with SYN/CONNECT scanning support",
			Binary:      "naabu",
			Image:       "projectdiscovery/naabu:latest",
			Params: []Param{
				{Name: "host", Flag: "-host", Description: "Target host to scan", Type: ParamString, Example: "192.168.1.1"},
				{Name: "hosts_file", Flag: "-l", Description: "File containing list of hosts", Type: ParamFile},
				{Name: "ports", Flag: "-p", Description: "Ports to scan (e.g., 80,443 or 1-1000); defaults to the top 100", Type: ParamString},
				{Name: "top_ports", Flag: "-top-ports", Description: "Scan top N ports", Type: ParamInteger},
				{Name: "rate", Flag: "-rate", Description: "Packets per second", Type: ParamInteger, Default: 1000},
				{Name: "retries", Flag: "-retries", Description: "Number of retries", Type: ParamInteger, Default: 3},
				{Name: "output", Flag: "-o", Description: "Output file path", Type: ParamFile},
				{Name: "json_output", Flag: "-json", Description: "Output in JSON lines format", Type: ParamBoolean, Default: true},
				{Name: "silent", Flag: "-silent", Description: "Suppress output banner", Type: ParamBoolean, Default: true},
			},
			OneRequired: [][]string{{"host", "hosts_file"}},
			Examples: []string{
				"naabu -host 192.168.1.1 -top-ports 1000",
				"naabu -l hosts.txt -p 80,443,8080 -json -o ports.json",
			},
			Category:       "scanning",
			Tags:           []string{"port", "scanner", "network", "syn"},
			DefaultTimeout: 900,
			OutputFormat:   FormatJSON,
		},
		{
			Name:        "nuclei",
			Version:     "3.0",
			Description: "Fast and customizable vulnerability scanner using YAML templates",
			Binary:      "nuclei",
			Image:       "projectdiscovery/nuclei:latest",
			Params: []Param{
				{Name: "target", Flag: "-u", Description: "Target URL to scan", Type: ParamURL, Example: "https://example.com"},
				{Name: "targets_file", Flag: "-l", Description: "File containing list of targets", Type: ParamFile},
				{Name: "templates", Flag: "-t", Description: "Template or directory path", Type: ParamArray},
				{Name: "tags", Flag: "-tags", Description: "Template tags to run (comma-separated)", Type: ParamArray, Example: "xss,sqli"},
				{Name: "severity", Flag: "-severity", Description: "Filter templates by severity", Type: ParamArray, Choices: []string{"info", "low", "medium", "high", "critical"}},
				{Name: "rate_limit", Flag: "-rl", Description: "Max requests per second", Type: ParamInteger, Default: 150},
				{Name: "concurrency", Flag: "-c", Description: "Number of concurrent templates", Type: ParamInteger, Default: 25},
				{Name: "output", Flag: "-o", Description: "Output file path", Type: ParamFile},
				{Name: "json_output", Flag: "-json", Description: "Output in JSON lines format", Type: ParamBoolean, Default: true},
				{Name: "silent", Flag: "-silent", Description: "Suppress output banner", Type: ParamBoolean, Default: true},
			},
			OneRequired: [][]string{{"target", "targets_file"}},
			Examples: []string{
				"nuclei -u https://example.com -tags cve",
				"nuclei -l targets.txt -severity high,critical -json -o results.json",
			},
			Category:       "vulnerability",
			Tags:           []string{"scanner", "templates", "cve", "web"},
			DefaultTimeout: 1800,
			OutputFormat:   FormatJSON,
		},
		{
			Name:        "httpx",
			Version:     "1.3",
			Description: "HTTP toolkit for probing and fingerprinting web servers",
			Binary:      "httpx",
			Image:       "projectdiscovery/httpx:latest",
			Params: []Param{
				{Name: "url", Flag: "-u", Description: "Target URL", Type: ParamURL, Example: "https://example.com"},
				{Name: "urls_file", Flag: "-l", Description: "File containing URLs", Type: ParamFile},
				{Name: "tech_detect", Flag: "-td", Description: "Enable technology detection", Type: ParamBoolean, Default: true},
				{Name: "status_code", Flag: "-sc", Description: "Display status code", Type: ParamBoolean, Default: true},
				{Name: "title", Flag: "-title", Description: "Display page title", Type: ParamBoolean, Default: true},
				{Name: "content_length", Flag: "-cl", Description: "Display content length", Type: ParamBoolean},
				{Name: "follow_redirects", Flag: "-fr", Description: "Follow redirects", Type: ParamBoolean, Default: true},
				{Name: "threads", Flag: "-t", Description: "Number of threads", Type: ParamInteger, Default: 50},
				{Name: "output", Flag: "-o", Description: "Output file path", Type: ParamFile},
				{Name: "json_output", Flag: "-json", Description: "Output in JSON lines format", Type: ParamBoolean, Default: true},
			},
			OneRequired: [][]string{{"url", "urls_file"}},
			Examples: []string{
				"httpx -u https://example.com -td -title -sc",
				"httpx -l urls.txt -json -o results.json",
			},
			Category:       "web",
			Tags:           []string{"http", "probe", "fingerprint", "technology"},
			DefaultTimeout: 600,
			OutputFormat:   FormatJSON,
		},
		{
			Name:        "katana",
			Version:     "1.1",
			Description: "Next-generation crawling and spidering framework",
			Binary:      "katana",
			Image:       "projectdiscovery/katana:latest",
			Params: []Param{
				{Name: "url", Flag: "-u", Description: "Target URL to crawl", Type: ParamURL, Required: true, Example: "https://example.com"},
				{Name: "depth", Flag: "-d", Description: "Maximum crawl depth", Type: ParamInteger, Default: 3},
				{Name: "js_crawl", Flag: "-js-crawl", Description: "Parse endpoints out of JavaScript", Type: ParamBoolean, Default: true},
				{Name: "field_scope", Flag: "-field-scope", Description: "Crawl scope field", Type: ParamString, Default: "rdn", Choices: []string{"strict", "rdn", "fqdn"}},
				{Name: "output", Flag: "-o", Description: "Output file path", Type: ParamFile},
				{Name: "jsonl", Flag: "-jsonl", Description: "Output in JSON lines format", Type: ParamBoolean, Default: true},
				{Name: "silent", Flag: "-silent", Description: "Suppress output banner", Type: ParamBoolean, Default: true},
			},
			Examples: []string{
				"katana -u https://example.com -d 3 -js-crawl",
				"katana -u https://example.com -field-scope rdn -jsonl -o endpoints.jsonl",
			},
			Category:       "web",
			Tags:           []string{"crawler", "spider", "javascript", "endpoints"},
			DefaultTimeout: 900,
			OutputFormat:   FormatJSON,
		},
	}
}
