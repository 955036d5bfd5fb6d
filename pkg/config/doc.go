// Package config defines the inputs of provisiond.
//
// # Provisioning documents
//
// A Provisioning document is the immutable input of one run. It names the
// tenant's domain, the admin contact, the container network and the image
// pins, and references secrets by handle:
//
//	domain: example.com
//	adminEmail: ops@example.org
//	networkCIDR: 10.20.0.0/16
//	secretRefs:
//	  cloudflare_api_token: env:CF_API_TOKEN
//	  ssh_key: file:keys/example.pem
//	imagePins:
//	  gateway: v2.11.0
//
// Secret handles use the "file:" or "env:" scheme. Literal secret values
// are rejected by Validate so they never reach checkpoints or reports.
//
// DecodeProvisioning and LoadProvisioning parse YAML or JSON and reject
// unknown fields. Validate collects every problem into ValidationErrors:
//
//	cfg, err := config.LoadProvisioning("tenant.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, v := range verrs {
//	            fmt.Println(v.Field, v.Message)
//	        }
//	    }
//	}
//
// # Process settings
//
// Settings configure the provisiond process: database, listen address,
// policy directory, endpoints, logging and tracing. LoadSettings layers
// defaults, an optional YAML file, .env files and PROVISIOND_* variables.
package config
