package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
)

// HandlerFunc runs a tool with decoded, validated arguments.
type HandlerFunc[A any] func(ctx context.Context, inv *Invocation, args *A) (any, error)

var reflector = &jsonschema.Reflector{
	DoNotReference:             true,
	ExpandedStruct:             true,
	AllowAdditionalProperties:  false,
	RequiredFromJSONSchemaTags: true,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SchemaOf reflects a JSON Schema object from the argument struct A.
func SchemaOf[A any]() (map[string]any, error) {
	s := reflector.Reflect(new(A))
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

type typedTool[A any] struct {
	name        string
	description string
	critical    bool
	schema      map[string]any
	handler     HandlerFunc[A]
}

// Define builds a Tool whose arguments decode into A. The input schema is
// reflected from A's struct tags. It panics if A cannot be reflected, which
// only happens for programming errors in the argument type.
func Define[A any](name, description string, critical bool, h HandlerFunc[A]) Tool {
	schema, err := SchemaOf[A]()
	if err != nil {
		panic(fmt.Sprintf("tools: schema for %s: %v", name, err))
	}
	return &typedTool[A]{
		name:        name,
		description: description,
		critical:    critical,
		schema:      schema,
		handler:     h,
	}
}

func (t *typedTool[A]) Name() string                { return t.name }
func (t *typedTool[A]) Description() string         { return t.description }
func (t *typedTool[A]) InputSchema() map[string]any { return t.schema }
func (t *typedTool[A]) Critical() bool              { return t.critical }

func (t *typedTool[A]) Execute(ctx context.Context, inv *Invocation, input map[string]any) (any, error) {
	args, err := bind[A](t.name, input)
	if err != nil {
		return nil, err
	}
	return t.handler(ctx, inv, args)
}

// bind decodes input into A and runs struct validation. Every failure is an
// InvalidArguments error.
func bind[A any](name string, input map[string]any) (*A, error) {
	if input == nil {
		input = map[string]any{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, cerr.InvalidArguments(name, "arguments are not encodable")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	args := new(A)
	if err := dec.Decode(args); err != nil {
		return nil, cerr.InvalidArguments(name, err.Error())
	}
	if err := validate.Struct(args); err != nil {
		return nil, cerr.InvalidArguments(name, describeValidation(err))
	}
	return args, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_without":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "datetime":
			msgs = append(msgs, fmt.Sprintf("%s must be a date like 2025-11-01", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
