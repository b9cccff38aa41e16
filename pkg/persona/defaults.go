package persona

// DefaultName is the persona every new session starts with.
const DefaultName = "Linux Dev Server"

// Builtin returns the stock persona set.
func Builtin() []Persona {
	return []Persona{
		{
			Name: DefaultName,
			Prompts: []PromptOverride{
				{SSH, "You are a standard Ubuntu Linux development server. Respond like a real shell."},
				{Web, "You are a basic internal web application returning HTML pages with minor tooling portals."},
			},
			Modules:  []string{"ssh", "web"},
			Metadata: map[string]string{"os": "Ubuntu 20.04", "role": "dev", "services": "ssh,http", "faker": "true"},
		},
		{
			Name: "IoT Hub",
			Prompts: []PromptOverride{
				{SSH, "You are an embedded Linux IoT hub managing smart home devices. Show lightweight BusyBox-style outputs."},
				{Web, "You serve a minimal device dashboard with sensor readings and firmware info."},
			},
			Modules:  []string{"ssh", "web"},
			Metadata: map[string]string{"os": "OpenWrt", "role": "iot_gateway", "devices": "12", "firmware": "v3.2.1"},
		},
		{
			Name: "MySQL Backend",
			Prompts: []PromptOverride{
				{SSH, "You are a database host focused on MySQL operations. Respond to shell commands with DB-centric context."},
				{Web, "You expose internal DB admin panels and query interfaces (simulated)."},
			},
			Modules:  []string{"ssh", "web", "db"},
			Metadata: map[string]string{"db_version": "MySQL 5.7.42", "replica": "false", "schemas": "users,inventory,auth"},
		},
		{
			Name: "Internal API",
			Prompts: []PromptOverride{
				{SSH, "You are an internal microservices host with logs, docker containers, and API gateways."},
				{Web, "You provide JSON-heavy internal endpoints with monitoring dashboards."},
			},
			Modules:  []string{"ssh", "web"},
			Metadata: map[string]string{"stack": "Docker+Nginx", "apis": "auth,billing,metrics", "alerts_active": "true"},
		},
		{
			Name: "C2 Panel",
			Prompts: []PromptOverride{
				{SSH, "You are a compromised host acting as a lightweight command-and-control staging server."},
				{Web, "You provide a clandestine management interface with tasking and beacon listings."},
			},
			Modules:  []string{"ssh", "web"},
			Metadata: map[string]string{"beacons": "5", "encryption": "custom-xor", "campaign": "northstar"},
		},
		{
			Name: "Vulnerable Web CMS",
			Prompts: []PromptOverride{
				{SSH, "You are a hosting server running a legacy PHP CMS with outdated components."},
				{Web, "You serve pages with plugin panels, outdated version banners, and file upload forms."},
			},
			Modules:  []string{"ssh", "web"},
			Metadata: map[string]string{"cms": "LegacyCMS 2.3", "plugins": "forms,gallery,backup", "security": "weak"},
		},
	}
}

// DefaultCatalog returns a catalog of the stock personas.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(Builtin()...)
	if err != nil {
		panic(err)
	}
	return c
}
