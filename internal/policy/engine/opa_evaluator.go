package engine

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"beamline-control-plane/backend/internal/policy/repository"
)

const admissionQuery = "data.beamline.admission"

// DefaultRegoPolicy grants staff to in-house logins when the site says so and the role
// configured for the login id. It denies nothing.
const DefaultRegoPolicy = `package beamline.admission

roles contains "staff" if {
	input.login.in_house
	input.site.inhouse_is_staff
}

roles contains u.role if {
	some u in input.site.users
	u.username == input.login.id
}
`

// OPAEvaluator evaluates admission policies using OPA Rego.
type OPAEvaluator struct {
	policyRepo repository.Repository
	site       Site
}

// NewOPAEvaluator returns an OPA-based policy evaluator for site. policyRepo may be nil, in
// which case only the default policy is used.
func NewOPAEvaluator(policyRepo repository.Repository, site Site) *OPAEvaluator {
	return &OPAEvaluator{policyRepo: policyRepo, site: site}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the default policy.
// Does not call the policy repo or database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := evaluate(ctx, []string{DefaultRegoPolicy}, e.buildInput(AdmissionInput{LoginID: "healthcheck"}))
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	return nil
}

// EvaluateAdmission evaluates the enabled beamline policies, or the default policy when
// there are none. Evaluation failures fall back to the built-in rules.
func (e *OPAEvaluator) EvaluateAdmission(ctx context.Context, in AdmissionInput) (AdmissionResult, error) {
	var policies []string
	if e.policyRepo != nil {
		enabled, err := e.policyRepo.GetEnabledPoliciesByBeamline(ctx, e.site.Beamline)
		if err != nil {
			log.Printf("policy: failed to load policies for beamline %s: %v", e.site.Beamline, err)
		} else {
			for _, p := range enabled {
				if p.Enabled && p.Rules != "" {
					policies = append(policies, p.Rules)
				}
			}
		}
	}
	if len(policies) == 0 {
		policies = []string{DefaultRegoPolicy}
	}

	result, err := evaluate(ctx, policies, e.buildInput(in))
	if err != nil {
		log.Printf("policy: evaluation failed: %v, using defaults", err)
		return e.defaultResult(in), nil
	}
	return result, nil
}

func (e *OPAEvaluator) buildInput(in AdmissionInput) map[string]interface{} {
	usernames := make([]string, 0, len(e.site.UserRoles))
	for u := range e.site.UserRoles {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)
	users := make([]interface{}, 0, len(usernames))
	for _, u := range usernames {
		users = append(users, map[string]interface{}{"username": u, "role": e.site.UserRoles[u]})
	}
	return map[string]interface{}{
		"login": map[string]interface{}{
			"id":       in.LoginID,
			"in_house": in.InHouse,
			"local":    in.Local,
			"mode":     in.Mode,
		},
		"site": map[string]interface{}{
			"beamline":         e.site.Beamline,
			"inhouse_is_staff": e.site.InhouseIsStaff,
			"users":            users,
		},
	}
}

// defaultResult mirrors DefaultRegoPolicy without OPA.
func (e *OPAEvaluator) defaultResult(in AdmissionInput) AdmissionResult {
	var out AdmissionResult
	if in.InHouse && e.site.InhouseIsStaff {
		out.Roles = append(out.Roles, "staff")
	}
	if role := e.site.UserRoles[in.LoginID]; role != "" && !out.HasRole(role) {
		out.Roles = append(out.Roles, role)
	}
	sort.Strings(out.Roles)
	return out
}

func evaluate(ctx context.Context, policies []string, input map[string]interface{}) (AdmissionResult, error) {
	modules := make(map[string]string)
	for i, policy := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = policy
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("compile policies: %w", err)
	}

	q := rego.New(
		rego.Query(admissionQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return AdmissionResult{}, err
	}
	var out AdmissionResult
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return out, fmt.Errorf("policy query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return out, fmt.Errorf("policy document has type %T", rs[0].Expressions[0].Value)
	}
	if out.Roles, err = stringSet(doc["roles"]); err != nil {
		return AdmissionResult{}, fmt.Errorf("roles: %w", err)
	}
	if out.Deny, err = stringSet(doc["deny"]); err != nil {
		return AdmissionResult{}, fmt.Errorf("deny: %w", err)
	}
	return out, nil
}

// stringSet converts a Rego set of strings; an undefined rule yields nil.
func stringSet(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("want a set of strings, got %T", v)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("want a string, got %T", it)
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
