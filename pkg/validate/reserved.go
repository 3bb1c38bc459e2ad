package validate

// reservedUsers enumerates account names that must never be created,
// modified, or deleted through the broker. The list covers the base
// system accounts, common daemon accounts, distro default users, and
// administrative aliases.
var reservedUsers = toSet([]string{
	// base system
	"root", "daemon", "bin", "sys", "sync", "games", "man", "lp", "mail",
	"news", "uucp", "proxy", "www-data", "backup", "list", "irc", "gnats",
	"nobody", "halt", "shutdown", "operator", "adm", "ftp",
	// systemd
	"systemd-network", "systemd-resolve", "systemd-timesync",
	"systemd-coredump", "systemd-oom", "systemd-journal-remote",
	// messaging / login plumbing
	"messagebus", "dbus", "sshd", "polkitd", "rtkit", "avahi", "colord",
	"geoclue", "pulse", "gdm", "lightdm", "sddm", "whoopsie", "kernoops",
	"syslog", "klog", "tss", "uuidd", "tcpdump", "usbmux", "dnsmasq",
	"landscape", "pollinate", "fwupd-refresh", "lxd", "snap",
	// databases
	"mysql", "mariadb", "postgres", "pgsql", "redis", "mongodb", "mongod",
	"cassandra", "couchdb", "influxdb", "clickhouse", "neo4j",
	// web / proxies
	"nginx", "apache", "httpd", "tomcat", "caddy", "haproxy", "squid",
	"varnish", "traefik", "envoy",
	// mail stack
	"postfix", "dovecot", "exim", "sendmail", "opendkim", "opendmarc",
	"amavis", "clamav", "spamd",
	// infra daemons
	"ntp", "chrony", "named", "bind", "unbound", "pdns", "openvpn",
	"wireguard", "stunnel", "memcached", "rabbitmq", "zookeeper", "kafka",
	"elasticsearch", "logstash", "kibana", "grafana", "prometheus",
	"alertmanager", "telegraf", "zabbix", "nagios", "icinga", "snmp",
	"etcd", "consul", "vault", "nomad", "docker", "containerd",
	"kubernetes", "kubelet", "jenkins", "gitlab-runner", "teamcity",
	// VCS and automation
	"git", "gitlab", "gitea", "svn", "ansible", "puppet", "chef", "salt",
	// distro defaults and cloud images
	"ubuntu", "debian", "centos", "fedora", "alpine", "arch", "ec2-user",
	"azureuser", "gcpuser", "cloud-user", "vagrant", "core",
	// administrative aliases
	"admin", "administrator", "superuser", "sudo", "wheel", "staff",
	"support", "service", "system", "test", "guest", "anonymous", "user",
	"default", "temp", "demo",
})

// reservedGroups enumerates group names that grant privilege escalation
// or are load-bearing for the base system.
var reservedGroups = toSet([]string{
	"root", "daemon", "bin", "sys", "adm", "tty", "disk", "lp", "mail",
	"news", "uucp", "man", "proxy", "kmem", "dialout", "fax", "voice",
	"cdrom", "floppy", "tape", "sudo", "audio", "dip", "www-data",
	"backup", "operator", "list", "irc", "src", "gnats", "shadow",
	"utmp", "video", "sasl", "plugdev", "games", "nogroup", "staff",
	"wheel", "docker", "lxd", "kvm", "render", "netdev", "ssl-cert",
	"ssh", "crontab", "messagebus", "systemd-journal", "input", "admin",
})

func toSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// ReservedUserCount reports the size of the reserved-username table.
func ReservedUserCount() int { return len(reservedUsers) }

// ReservedGroupCount reports the size of the reserved-group table.
func ReservedGroupCount() int { return len(reservedGroups) }
