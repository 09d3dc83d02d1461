package catalog

import (
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// SeedSpecs returns the built-in tool set shipped with every deployment.
// The spec directory can extend or override these by id.
func SeedSpecs() []*toolindex.FullSpec {
	hostParam := toolindex.ParameterSpec{
		Name: "target_host", Type: "string", Required: true,
		Validation: `^[A-Za-z0-9._-]+$`, Hint: "hostname or IP of the target",
	}
	pathParam := toolindex.ParameterSpec{
		Name: "path", Type: "string", Required: true, Hint: "directory or file path",
	}

	return []*toolindex.FullSpec{
		{
			Entry: toolindex.Entry{
				ID:        "asset-query",
				Name:      "asset-query",
				DescShort: "Query the asset inventory by os, tag, hostname, ip, status, or environment filters",
				Platform:  models.PlatformMulti,
				Tags:      []string{"inventory", "assets", "query"},
				CostHint:  models.CostLow,
			},
			ExecutionLocation: models.LocationAsset,
			ExecutionType:     models.ExecTypeQuery,
			ConnectionType:    models.ConnHTTP,
			CommandStrategy:   models.StrategyAPICall,
			ParameterFormat:   models.FormatJSON,
			Parameters: []toolindex.ParameterSpec{
				{Name: "filters", Type: "object", Required: true, Hint: "inventory filter map"},
			},
			Preferences:      toolindex.PreferenceScores{Speed: 0.95, Accuracy: 0.95, Complexity: 0.05},
			DefaultTimeoutMs: 5_000,
			AlwaysInclude:    true,
		},
		{
			Entry: toolindex.Entry{
				ID:        "echo",
				Name:      "echo",
				DescShort: "Deterministic echo tool: returns pong for ping, echoes any other input",
				Platform:  models.PlatformMulti,
				Tags:      []string{"diagnostics", "smoke"},
				CostHint:  models.CostLow,
			},
			ExecutionLocation: models.LocationAutomation,
			ExecutionType:     models.ExecTypeCommand,
			ConnectionType:    models.ConnLocal,
			CommandStrategy:   models.StrategyTemplate,
			ParameterFormat:   models.FormatJSON,
			Parameters: []toolindex.ParameterSpec{
				{Name: "input", Type: "string", Required: true},
			},
			Preferences:      toolindex.PreferenceScores{Speed: 1, Accuracy: 1, Complexity: 0},
			DefaultTimeoutMs: 2_000,
		},
		{
			Entry: toolindex.Entry{
				ID:        "windows_list_directory",
				Name:      "Get-ChildItem",
				DescShort: "List files and directories on a Windows host via PowerShell remoting",
				Platform:  models.PlatformWindows,
				Tags:      []string{"files", "list", "directory", "powershell"},
				CostHint:  models.CostLow,
			},
			ExecutionLocation: models.LocationAutomation,
			ExecutionType:     models.ExecTypeCommand,
			ConnectionType:    models.ConnPowerShell,
			CommandStrategy:   models.StrategyCmdlet,
			ParameterFormat:   models.FormatPowerShell,
			Parameters: []toolindex.ParameterSpec{
				hostParam, pathParam,
				{Name: "username", Type: "string", Required: true, Hint: "account for the remote session"},
				{Name: "password", Type: "string", Required: true, Secret: true},
			},
			RequiresCredentials: true,
			Preferences:         toolindex.PreferenceScores{Speed: 0.8, Accuracy: 0.9, Complexity: 0.2},
			DefaultTimeoutMs:    30_000,
			DefaultRetries:      1,
		},
		{
			Entry: toolindex.Entry{
				ID:        "linux_list_directory",
				Name:      "ls",
				DescShort: "List files and directories on a Linux host over SSH",
				Platform:  models.PlatformLinux,
				Tags:      []string{"files", "list", "directory", "ssh"},
				CostHint:  models.CostLow,
			},
			ExecutionLocation: models.LocationAutomation,
			ExecutionType:     models.ExecTypeCommand,
			ConnectionType:    models.ConnSSH,
			CommandStrategy:   models.StrategyCLI,
			ParameterFormat:   models.FormatPosix,
			Parameters: []toolindex.ParameterSpec{
				hostParam, pathParam,
				{Name: "username", Type: "string", Required: true},
				{Name: "password", Type: "string", Required: true, Secret: true},
			},
			RequiresCredentials: true,
			Preferences:         toolindex.PreferenceScores{Speed: 0.85, Accuracy: 0.9, Complexity: 0.15},
			DefaultTimeoutMs:    30_000,
			DefaultRetries:      1,
		},
		{
			Entry: toolindex.Entry{
				ID:        "invoke_command",
				Name:      "Invoke-Command",
				DescShort: "Run an arbitrary PowerShell script block on one or more Windows hosts",
				Platform:  models.PlatformWindows,
				Tags:      []string{"powershell", "remote", "script"},
				CostHint:  models.CostMed,
			},
			ExecutionLocation: models.LocationAutomation,
			ExecutionType:     models.ExecTypeScript,
			ConnectionType:    models.ConnPowerShell,
			CommandStrategy:   models.StrategyScript,
			ParameterFormat:   models.FormatPowerShell,
			Parameters: []toolindex.ParameterSpec{
				{Name: "target_hosts", Type: "array", Required: true, Hint: "hosts to run against"},
				{Name: "script", Type: "string", Required: true},
				{Name: "username", Type: "string", Required: true},
				{Name: "password", Type: "string", Required: true, Secret: true},
			},
			RequiresApproval:    true,
			RequiresCredentials: true,
			RedactPatterns:      []string{`(?i)(-Credential\s+)(\S+)`},
			Preferences:         toolindex.PreferenceScores{Speed: 0.6, Accuracy: 0.85, Complexity: 0.6},
			DefaultTimeoutMs:    60_000,
			DefaultRetries:      1,
		},
		{
			Entry: toolindex.Entry{
				ID:        "linux_service_status",
				Name:      "systemctl-status",
				DescShort: "Check or restart a systemd service on a Linux host",
				Platform:  models.PlatformLinux,
				Tags:      []string{"service", "systemd", "status"},
				CostHint:  models.CostLow,
			},
			ExecutionLocation: models.LocationAutomation,
			ExecutionType:     models.ExecTypeCommand,
			ConnectionType:    models.ConnSSH,
			CommandStrategy:   models.StrategyCLI,
			ParameterFormat:   models.FormatPosix,
			Parameters: []toolindex.ParameterSpec{
				hostParam,
				{Name: "service", Type: "string", Required: true},
				{Name: "username", Type: "string", Required: true},
				{Name: "password", Type: "string", Required: true, Secret: true},
			},
			RequiresCredentials: true,
			Preferences:         toolindex.PreferenceScores{Speed: 0.9, Accuracy: 0.9, Complexity: 0.2},
			DefaultTimeoutMs:    15_000,
		},
		{
			Entry: toolindex.Entry{
				ID:        "windows_service_restart",
				Name:      "Restart-Service",
				DescShort: "Restart a Windows service via PowerShell remoting",
				Platform:  models.PlatformWindows,
				Tags:      []string{"service", "restart", "powershell"},
				CostHint:  models.CostMed,
			},
			ExecutionLocation: models.LocationAutomation,
			ExecutionType:     models.ExecTypeCommand,
			ConnectionType:    models.ConnPowerShell,
			CommandStrategy:   models.StrategyCmdlet,
			ParameterFormat:   models.FormatPowerShell,
			Parameters: []toolindex.ParameterSpec{
				hostParam,
				{Name: "service", Type: "string", Required: true},
				{Name: "username", Type: "string", Required: true},
				{Name: "password", Type: "string", Required: true, Secret: true},
			},
			RequiresApproval:    true,
			RequiresCredentials: true,
			Preferences:         toolindex.PreferenceScores{Speed: 0.7, Accuracy: 0.9, Complexity: 0.4},
			DefaultTimeoutMs:    30_000,
			DefaultRetries:      2,
		},
		{
			Entry: toolindex.Entry{
				ID:        "network_port_scan",
				Name:      "port-scan",
				DescShort: "Scan a host for open TCP ports from the network service",
				Platform:  models.PlatformNetwork,
				Tags:      []string{"network", "ports", "scan"},
				CostHint:  models.CostMed,
			},
			ExecutionLocation: models.LocationNetwork,
			ExecutionType:     models.ExecTypeCommand,
			ConnectionType:    models.ConnHTTP,
			CommandStrategy:   models.StrategyCLI,
			ParameterFormat:   models.FormatPosix,
			Parameters: []toolindex.ParameterSpec{
				hostParam,
				{Name: "ports", Type: "string", Required: false, Hint: "port range, default 1-1024"},
			},
			RequiresApproval: true,
			Preferences:      toolindex.PreferenceScores{Speed: 0.4, Accuracy: 0.95, Complexity: 0.5},
			DefaultTimeoutMs: 120_000,
		},
		{
			Entry: toolindex.Entry{
				ID:        "database_query",
				Name:      "db-query",
				DescShort: "Run a read-only SQL query against a managed database target",
				Platform:  models.PlatformDatabase,
				Tags:      []string{"database", "sql", "query"},
				CostHint:  models.CostMed,
			},
			ExecutionLocation: models.LocationAutomation,
			ExecutionType:     models.ExecTypeQuery,
			ConnectionType:    models.ConnDatabase,
			CommandStrategy:   models.StrategyQuery,
			ParameterFormat:   models.FormatJSON,
			Parameters: []toolindex.ParameterSpec{
				hostParam,
				{Name: "query", Type: "string", Required: true},
				{Name: "username", Type: "string", Required: true},
				{Name: "password", Type: "string", Required: true, Secret: true},
			},
			RequiresCredentials: true,
			Preferences:         toolindex.PreferenceScores{Speed: 0.7, Accuracy: 0.95, Complexity: 0.4},
			DefaultTimeoutMs:    30_000,
		},
		{
			Entry: toolindex.Entry{
				ID:        "notify_operators",
				Name:      "notify-operators",
				DescShort: "Send a message to the operations channel via the communication service",
				Platform:  models.PlatformMulti,
				Tags:      []string{"notify", "message"},
				CostHint:  models.CostLow,
			},
			ExecutionLocation: models.LocationCommunication,
			ExecutionType:     models.ExecTypeAPI,
			ConnectionType:    models.ConnHTTP,
			CommandStrategy:   models.StrategyAPICall,
			ParameterFormat:   models.FormatJSON,
			Parameters: []toolindex.ParameterSpec{
				{Name: "message", Type: "string", Required: true},
			},
			Preferences:      toolindex.PreferenceScores{Speed: 0.95, Accuracy: 0.8, Complexity: 0.1},
			DefaultTimeoutMs: 10_000,
		},
	}
}
