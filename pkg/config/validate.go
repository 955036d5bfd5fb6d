package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	secretNamePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	usernamePattern    = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
	envVarPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	// Image tags follow the registry grammar, optionally followed by a digest.
	imagePinPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}(@sha256:[a-f0-9]{64})?$`)
)

// SecretSchemes are the supported secret handle schemes.
var SecretSchemes = []string{"file", "env"}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "secretname", func(fl validator.FieldLevel) bool {
		return secretNamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "servicename", func(fl validator.FieldLevel) bool {
		return serviceNamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "secretref", func(fl validator.FieldLevel) bool {
		_, _, err := ParseSecretRef(fl.Field().String())
		return err == nil
	})
	mustRegister(v, "imagepin", func(fl validator.FieldLevel) bool {
		pin := fl.Field().String()
		return imagePinPattern.MatchString(pin) && pin != "latest"
	})
	v.RegisterStructValidation(validateProvisioning, Provisioning{})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %s: %v", tag, err))
	}
}

// validateProvisioning runs the cross-field checks.
func validateProvisioning(sl validator.StructLevel) {
	p := sl.Current().Interface().(Provisioning)

	for _, name := range RequiredSecrets {
		if _, ok := p.SecretRefs[name]; !ok {
			sl.ReportError(p.SecretRefs, "secretRefs", "SecretRefs", "requiredsecret", name)
		}
	}

	if _, network, err := net.ParseCIDR(p.NetworkCIDR); err == nil {
		if ones, _ := network.Mask.Size(); ones > 29 {
			sl.ReportError(p.NetworkCIDR, "networkCIDR", "NetworkCIDR", "cidrsize", "29")
		}
	}
}

// ParseSecretRef splits a secret handle into scheme and target.
func ParseSecretRef(ref string) (scheme, target string, err error) {
	scheme, target, ok := strings.Cut(ref, ":")
	if !ok || target == "" {
		return "", "", fmt.Errorf("secret reference %q must be <scheme>:<target>", ref)
	}
	switch scheme {
	case "file":
		if strings.ContainsRune(target, 0) {
			return "", "", fmt.Errorf("secret reference %q has an invalid path", ref)
		}
	case "env":
		if !envVarPattern.MatchString(target) {
			return "", "", fmt.Errorf("secret reference %q names an invalid variable", ref)
		}
	default:
		return "", "", fmt.Errorf("secret reference %q has unsupported scheme %q (want one of %s)",
			ref, scheme, strings.Join(SecretSchemes, ", "))
	}
	return scheme, target, nil
}

// ValidationError describes one invalid field.
type ValidationError struct {
	// Field is the document path of the invalid field (e.g., "secretRefs").
	Field string `json:"field"`

	// Rule is the failed rule.
	Rule string `json:"rule"`

	// Message is the human-readable error message.
	Message string `json:"message"`
}

// ValidationErrors is the list of problems found in a configuration.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Message
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration. It returns ValidationErrors listing
// every problem found.
func (p *Provisioning) Validate() error {
	if p == nil {
		return ValidationErrors{{Field: "", Rule: "required", Message: "configuration is missing"}}
	}
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   jsonPath(fe),
			Rule:    fe.Tag(),
			Message: describe(fe),
		})
	}
	return out
}

// jsonPath converts the validator namespace to document field names.
func jsonPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if ns == "" {
		return fe.Field()
	}
	return ns
}

func describe(fe validator.FieldError) string {
	field := jsonPath(fe)
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "fqdn":
		return fmt.Sprintf("%s %q is not a fully qualified domain name", field, fe.Value())
	case "email":
		return fmt.Sprintf("%s %q is not a valid email address", field, fe.Value())
	case "cidrv4":
		return fmt.Sprintf("%s %q is not a valid IPv4 CIDR", field, fe.Value())
	case "cidrsize":
		return fmt.Sprintf("%s must leave room for containers (prefix at most /%s)", field, fe.Param())
	case "requiredsecret":
		return fmt.Sprintf("secretRefs must reference %q", fe.Param())
	case "secretref":
		return fmt.Sprintf("%s must be a file: or env: handle, never a literal secret", field)
	case "secretname":
		return fmt.Sprintf("%s: secret name %q must be lower snake case", field, fe.Value())
	case "servicename":
		return fmt.Sprintf("%s: service name %q must be a DNS label", field, fe.Value())
	case "imagepin":
		return fmt.Sprintf("%s %q is not a pinned image version", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
