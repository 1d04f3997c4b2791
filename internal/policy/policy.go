package policy

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
	"lds.li/tokenidp/internal/config"
)

// reservedClaims are set by the server and can't be changed by a claims
// policy.
var reservedClaims = []string{"iss", "aud", "exp", "iat", "azp", "nonce", "c_hash", "at_hash"}

var nativeMapType = reflect.TypeOf(map[string]any{})

type PolicyEvaluator struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program
}

func NewPolicyEvaluator() (*PolicyEvaluator, error) {
	var env *cel.Env
	var err error
	env, err = cel.NewEnv(
		cel.StdLib(),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("patch",
			cel.MemberOverload("claims_patch_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.MapType(cel.StringType, cel.DynType)},
				cel.MapType(cel.StringType, cel.DynType),
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					base, err := toNativeMap(lhs)
					if err != nil {
						return types.NewErr("failed to convert claims to map: %v", err)
					}
					m, err := toNativeMap(rhs)
					if err != nil {
						return types.NewErr("failed to convert rhs to map: %v", err)
					}

					ret := make(map[string]any, len(base)+len(m))
					for k, v := range base {
						ret[k] = v
					}
					for k, v := range m {
						if slices.Contains(reservedClaims, k) {
							return types.NewErr("claim %s is set by the server and can't be patched", k)
						}
						if v == nil || v == structpb.NullValue_NULL_VALUE {
							delete(ret, k)
							continue
						}
						ret[k] = v
					}
					return env.CELTypeAdapter().NativeToValue(ret)
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("new cel env: %w", err)
	}
	return &PolicyEvaluator{env: env}, nil
}

func (pe *PolicyEvaluator) getProgram(expression string) (cel.Program, error) {
	if val, ok := pe.programs.Load(expression); ok {
		return val.(cel.Program), nil
	}

	ast, issues := pe.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}

	prg, err := pe.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	pe.programs.Store(expression, prg)
	return prg, nil
}

func userData(user *config.User) map[string]any {
	return map[string]any{
		"id":       user.ID.String(),
		"username": user.Username,
		"email":    user.Email,
		"fullName": user.FullName,
		"groups":   user.Groups,
		"metadata": user.Metadata,
		"claims":   user.Claims,
	}
}

// EvaluateAuthorization runs an authorization policy for user. An empty
// expression allows everyone.
func (pe *PolicyEvaluator) EvaluateAuthorization(expression string, user *config.User) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := pe.getProgram(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"user": userData(user),
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}

	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", out.Value())
	}

	return val, nil
}

// EvaluateClaims runs a claims policy over the resource owner claims, returning
// the claims to issue. The policy returns either the claims map, usually via
// claims.patch({...}), or null to keep the input unchanged.
func (pe *PolicyEvaluator) EvaluateClaims(expression string, initialClaims map[string]any, user *config.User) (map[string]any, error) {
	if expression == "" {
		return initialClaims, nil
	}

	prg, err := pe.getProgram(expression)
	if err != nil {
		return nil, err
	}

	if initialClaims == nil {
		initialClaims = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"claims": initialClaims,
		"user":   userData(user),
	})
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	if out.Type() == types.NullType {
		return initialClaims, nil
	}

	m, err := toNativeMap(out)
	if err != nil {
		return nil, fmt.Errorf("expression did not return a claims map, returned %v: %w", out.Type(), err)
	}
	return m, nil
}

func (pe *PolicyEvaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := pe.getProgram(expression)
	return err
}

func ValidatePolicies(cfg *config.Config) error {
	pe, err := NewPolicyEvaluator()
	if err != nil {
		return fmt.Errorf("creating policy evaluator: %w", err)
	}

	for _, cl := range cfg.Clients {
		if err := pe.Validate(cl.ClaimsPolicy); err != nil {
			return fmt.Errorf("client %s claims policy: %w", cl.ID, err)
		}
		if err := pe.Validate(cl.AuthorizationPolicy); err != nil {
			return fmt.Errorf("client %s authorization policy: %w", cl.ID, err)
		}
	}
	return nil
}

func toNativeMap(v ref.Val) (map[string]any, error) {
	n, err := v.ConvertToNative(nativeMapType)
	if err != nil {
		return nil, err
	}
	m := n.(map[string]any)
	for k, e := range m {
		m[k] = plain(e)
	}
	return m, nil
}

// plain unwraps CEL values that a literal in the expression leaves behind, so
// the result serializes as ordinary JSON.
func plain(v any) any {
	switch e := v.(type) {
	case ref.Val:
		return plain(e.Value())
	case []ref.Val:
		out := make([]any, len(e))
		for i, x := range e {
			out[i] = plain(x)
		}
		return out
	case []any:
		out := make([]any, len(e))
		for i, x := range e {
			out[i] = plain(x)
		}
		return out
	}
	return v
}
