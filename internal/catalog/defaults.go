package catalog

import "github.com/rcourtman/hostaudit/internal/models"

const (
	categoryAccount  = "Account management"
	categoryFiles    = "File and directory management"
	categoryServices = "Service management"
	categoryPatch    = "Patch management"
	categoryLogging  = "Log management"

	// DefaultCategory is used for identifiers missing from the catalog.
	DefaultCategory = "Other"
)

func def(id, name string, sev models.Severity, category, tag string) models.CheckDefinition {
	return models.CheckDefinition{
		ID:         id,
		Name:       name,
		Severity:   sev,
		Category:   category,
		Compliance: []string{tag},
	}
}

const (
	high   = models.SeverityHigh
	medium = models.SeverityMedium
	low    = models.SeverityLow
)

// DefaultDefinitions is the built-in Unix hardening catalog.
var DefaultDefinitions = []models.CheckDefinition{
	def("U-01", "Restrict remote root login", high, categoryAccount, "ISMS-P 2.8.2"),
	def("U-02", "Password policy settings", high, categoryAccount, "ISMS-P 2.8.1"),
	def("U-03", "Account lockout threshold", high, categoryAccount, "ISMS-P 2.8.3"),
	def("U-04", "Protect password file", high, categoryAccount, "ISMS-P 2.8.2"),
	def("U-05", "No UID 0 other than root", high, categoryAccount, "ISMS-P 2.8.2"),
	def("U-06", "Restrict su to administrators", high, categoryAccount, "ISMS-P 2.8.4"),
	def("U-07", "Remove unneeded accounts", low, categoryAccount, "ISMS-P 2.8.1"),
	def("U-08", "Minimal administrator group membership", medium, categoryAccount, "ISMS-P 2.8.2"),
	def("U-09", "No GIDs without accounts", low, categoryAccount, "ISMS-P 2.8.2"),
	def("U-10", "No duplicate UIDs", medium, categoryAccount, "ISMS-P 2.8.2"),
	def("U-11", "User shell review", low, categoryAccount, "ISMS-P 2.8.2"),
	def("U-12", "Session timeout", low, categoryAccount, "ISMS-P 2.8.4"),
	def("U-13", "Strong password hashing algorithm", medium, categoryAccount, "ISMS-P 2.8.1"),

	def("U-14", "root home directory and PATH", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-15", "File and directory ownership", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-16", "/etc/passwd owner and mode", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-17", "Startup script permissions", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-18", "/etc/shadow owner and mode", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-19", "/etc/hosts owner and mode", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-20", "/etc/(x)inetd.conf permissions", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-21", "/etc/(r)syslog.conf permissions", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-22", "/etc/services permissions", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-23", "SUID/SGID/sticky bit review", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-24", "Environment file permissions", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-25", "World-writable files", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-26", "Unneeded /dev device files", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-27", "No .rhosts or hosts.equiv", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-28", "Restrict source IPs and ports", high, categoryFiles, "ISMS-P 2.9.2"),
	def("U-29", "hosts.lpd permissions", low, categoryFiles, "ISMS-P 2.9.2"),
	def("U-30", "UMASK settings", medium, categoryFiles, "ISMS-P 2.9.2"),
	def("U-31", "Home directory permissions", medium, categoryFiles, "ISMS-P 2.9.2"),
	def("U-32", "Home directories exist", medium, categoryFiles, "ISMS-P 2.9.2"),
	def("U-33", "Hidden files and directories", low, categoryFiles, "ISMS-P 2.9.2"),

	def("U-34", "Disable finger", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-35", "Restrict anonymous share access", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-36", "Disable r-services", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-37", "crontab permissions", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-38", "Disable DoS-prone services", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-39", "Disable unneeded NFS", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-40", "NFS access control", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-41", "Remove automountd", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-42", "Disable unneeded RPC services", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-43", "NIS/NIS+ review", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-44", "Disable tftp and talk", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-45", "Mail service version", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-46", "Prevent mail service execution by users", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-47", "Restrict mail relay", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-48", "Restrict expn and vrfy", medium, categoryServices, "ISMS-P 2.9.3"),
	def("U-49", "DNS security patches", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-50", "DNS zone transfer", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-51", "No DNS dynamic updates", medium, categoryServices, "ISMS-P 2.9.3"),
	def("U-52", "Disable telnet", medium, categoryServices, "ISMS-P 2.9.3"),
	def("U-53", "Limit FTP banner information", low, categoryServices, "ISMS-P 2.9.3"),
	def("U-54", "Disable unencrypted FTP", medium, categoryServices, "ISMS-P 2.9.3"),
	def("U-55", "Restrict FTP account shells", medium, categoryServices, "ISMS-P 2.9.3"),
	def("U-56", "FTP access control", low, categoryServices, "ISMS-P 2.9.3"),
	def("U-57", "ftpusers file", medium, categoryServices, "ISMS-P 2.9.3"),
	def("U-58", "SNMP service running", medium, categoryServices, "ISMS-P 2.9.3"),
	def("U-59", "Secure SNMP version", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-60", "SNMP community string complexity", medium, categoryServices, "ISMS-P 2.9.3"),
	def("U-61", "SNMP access control", high, categoryServices, "ISMS-P 2.9.3"),
	def("U-62", "Login warning banner", low, categoryServices, "ISMS-P 2.9.3"),
	def("U-63", "sudo access management", medium, categoryServices, "ISMS-P 2.9.3"),

	def("U-64", "Regular security patching", high, categoryPatch, "ISMS-P 2.10.2"),

	def("U-65", "NTP time synchronisation", medium, categoryLogging, "ISMS-P 2.10.1"),
	def("U-66", "Policy-based system logging", medium, categoryLogging, "ISMS-P 2.10.1"),
	def("U-67", "Log directory permissions", medium, categoryLogging, "ISMS-P 2.10.1"),
}

// DefaultManualOnly lists items whose remediation is never automated.
// U-16, U-17 and U-18 are only manual when the target file is absent, which
// the scripts handle themselves, so they are not listed.
var DefaultManualOnly = []string{
	"U-03", "U-04", "U-05", "U-06", "U-07", "U-08", "U-09",
	"U-13", "U-19", "U-23", "U-25", "U-28", "U-33", "U-37",
	"U-42", "U-49", "U-56", "U-63", "U-64", "U-65",
}
