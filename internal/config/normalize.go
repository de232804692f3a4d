package config

import "strings"

// normalize lowercases enum-like values and fills values that depend on
// other settings.
func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		if c.Database.PostgresDSN != "" {
			c.Database.Driver = "postgres"
		} else {
			c.Database.Driver = "sqlite"
		}
	}
	c.Agents.InjectionAction = strings.ToLower(strings.TrimSpace(c.Agents.InjectionAction))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.Telemetry.Protocol = strings.ToLower(strings.TrimSpace(c.Telemetry.Protocol))
	if c.Agents.WorkerConcurrency <= 0 {
		c.Agents.WorkerConcurrency = 8
	}
	if c.Agents.PolicyID == "" {
		c.Agents.PolicyID = DefaultPolicyID
	}
	if c.Agents.DefaultModel == "" {
		c.Agents.DefaultModel = "openai/gpt-4"
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, p := range c.Providers {
		p.APIBase = strings.TrimRight(strings.TrimSpace(p.APIBase), "/")
		c.Providers[name] = p
	}
}
