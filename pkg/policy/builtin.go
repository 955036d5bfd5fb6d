package policy

// BuiltinPolicies returns the policies shipped with provisiond.
func BuiltinPolicies() []Policy {
	return []Policy{
		imagePinsPolicy(),
		networkPolicy(),
		dnsRecordsPolicy(),
		contactPolicy(),
	}
}

// imagePinsPolicy rejects pins that float on a major version.
func imagePinsPolicy() Policy {
	return Policy{
		Name:        "image-pins",
		Description: "Image pins must name a minor version or a digest",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisiond.images

deny contains violation if {
	some service, pin in input.config.imagePins
	regex.match("^v?[0-9]+$", pin)
	violation := {
		"message": sprintf("image pin %s for %s floats on a major version", [pin, service]),
		"field": sprintf("imagePins.%s", [service]),
	}
}`,
	}
}

// networkPolicy bounds the container network size and keeps it clear of
// the default bridge.
func networkPolicy() Policy {
	return Policy{
		Name:        "network",
		Description: "Container networks must be between /16 and /28 and must not overlap the default bridge",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisiond.network

default_bridge := "172.17.0.0/16"

prefix := to_number(split(input.config.networkCIDR, "/")[1])

deny contains violation if {
	prefix < 16
	violation := {
		"message": sprintf("network %s is wider than /16", [input.config.networkCIDR]),
		"field": "networkCIDR",
	}
}

deny contains violation if {
	prefix > 28
	violation := {
		"message": sprintf("network %s is narrower than /28", [input.config.networkCIDR]),
		"field": "networkCIDR",
	}
}

deny contains violation if {
	net.cidr_intersects(input.config.networkCIDR, default_bridge)
	violation := {
		"message": sprintf("network %s overlaps the default bridge %s", [input.config.networkCIDR, default_bridge]),
		"field": "networkCIDR",
	}
}`,
	}
}

// dnsRecordsPolicy rejects record sets the DNS provider would refuse.
func dnsRecordsPolicy() Policy {
	return Policy{
		Name:        "dns-records",
		Description: "A CNAME cannot share its name with another address or alias record",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisiond.dns

deny contains violation if {
	some i, j
	a := input.config.dnsRecords[i]
	b := input.config.dnsRecords[j]
	i != j
	a.type == "CNAME"
	b.type != "TXT"
	a.name == b.name
	violation := {
		"message": sprintf("CNAME %s conflicts with a %s record of the same name", [a.name, b.type]),
		"field": sprintf("dnsRecords[%d]", [i]),
	}
}

deny contains violation if {
	some i, record in input.config.dnsRecords
	record.type == "TXT"
	record.proxied
	violation := {
		"message": sprintf("TXT record %s cannot be proxied and will be published unproxied", [record.name]),
		"severity": "warning",
		"field": sprintf("dnsRecords[%d]", [i]),
	}
}`,
	}
}

// contactPolicy warns when notifications go to the domain being set up.
func contactPolicy() Policy {
	return Policy{
		Name:        "contact",
		Description: "The admin email should not depend on the domain being provisioned",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisiond.contact

deny contains msg if {
	endswith(lower(input.config.adminEmail), concat("", ["@", input.tenant]))
	msg := sprintf("admin email %s is hosted on %s and cannot receive mail until provisioning completes", [input.config.adminEmail, input.tenant])
}`,
	}
}
