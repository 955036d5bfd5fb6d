// Package policy admits or rejects provisioning configurations with Open
// Policy Agent (Rego) policies.
//
// Every policy is a Rego module whose deny set is evaluated against the
// input document built by Input:
//
//	{
//	  "config":  { ...the configuration, without secret handles... },
//	  "tenant":  "example.com",
//	  "local":   false,
//	  "secrets": ["cloudflare_api_token", ...]
//	}
//
// A deny entry is either a message string or an object with "message",
// "severity" and "field" keys. Entries of severity error or critical reject
// the configuration; warning and info entries are only logged.
//
// # Usage
//
// The Engine implements engine.Admitter and is passed to the orchestration
// engine through engine.Config.Admitters:
//
//	pe, err := policy.NewEngine(policy.Options{Logger: tel.Logger, Events: tel.Events})
//	if err != nil {
//	    return err
//	}
//	if err := policy.LoadDir(ctx, pe, policy.NewLoader(tel.Logger), settings.PolicyDir, true); err != nil {
//	    return err
//	}
//
// A rejected configuration surfaces as an InvalidConfiguration error with
// code POLICY_VIOLATION and the violations under the "violations" detail.
//
// # Policy files
//
// The Loader reads *.rego and *.json files. For Rego files the file name is
// the policy name and the leading comment block is the description:
//
//	# Stacks must run a pinned gateway.
//	# severity: error
//	package custom.gateway
//
//	deny contains "gateway image must be pinned" if {
//	    not input.config.imagePins.gateway
//	}
//
// Built-in policies (image-pins, network, dns-records, contact) are always
// loaded. A file policy with the same name replaces the built-in one.
package policy
