package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/phrazzld/recipe-forge/internal/domain"
)

// ParseRecipe decodes a model response and checks it against the minimal
// recipe contract:
//
//   - title is a non-empty string
//   - ingredients and recipeSteps are arrays
//   - servings is a number
//   - difficulty is a string
//   - when isMultiSection is true, sections is a non-empty array whose
//     entries each have a non-empty title and array-typed ingredients and
//     recipeSteps
//
// Optional string fields (description, cuisine, type, prepTime, cookTime)
// must be strings when present. Every failure wraps ErrInvalidResponse and
// names the offending field.
func ParseRecipe(data []byte) (*domain.Recipe, error) {
	data = bytes.TrimSpace(stripCodeFence(data))
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: response is not a JSON object: %v", ErrInvalidResponse, err)
	}

	if err := validateRecipeObject(raw); err != nil {
		return nil, err
	}

	servings, _ := raw["servings"].(json.Number).Float64()
	r := &domain.Recipe{
		Title:       strings.TrimSpace(raw["title"].(string)),
		Difficulty:  raw["difficulty"].(string),
		Servings:    servings,
		Ingredients: stringList(raw["ingredients"].([]any)),
		RecipeSteps: stringList(raw["recipeSteps"].([]any)),
		Data:        json.RawMessage(data),
	}
	r.Description = optionalString(raw, "description")
	r.Cuisine = optionalString(raw, "cuisine")
	r.Type = optionalString(raw, "type")
	r.PrepTime = optionalString(raw, "prepTime")
	r.CookTime = optionalString(raw, "cookTime")

	if multi, _ := raw["isMultiSection"].(bool); multi {
		r.IsMultiSection = true
		for _, s := range raw["sections"].([]any) {
			sec := s.(map[string]any)
			r.Sections = append(r.Sections, domain.RecipeSection{
				Title:       strings.TrimSpace(sec["title"].(string)),
				Ingredients: stringList(sec["ingredients"].([]any)),
				RecipeSteps: stringList(sec["recipeSteps"].([]any)),
			})
		}
	}

	return r, nil
}

func validateRecipeObject(raw map[string]any) error {
	if err := requireNonEmptyString(raw, "title", "title"); err != nil {
		return err
	}
	if err := requireArray(raw, "ingredients", "ingredients"); err != nil {
		return err
	}
	if err := requireArray(raw, "recipeSteps", "recipeSteps"); err != nil {
		return err
	}
	if _, ok := raw["servings"].(json.Number); !ok {
		return invalid("servings must be a number")
	}
	if _, ok := raw["difficulty"].(string); !ok {
		return invalid("difficulty must be a string")
	}

	for _, field := range []string{"description", "cuisine", "type", "prepTime", "cookTime"} {
		if v, present := raw[field]; present && v != nil {
			if _, ok := v.(string); !ok {
				return invalid(field + " must be a string")
			}
		}
	}

	multi, present := raw["isMultiSection"]
	if !present || multi == nil {
		return nil
	}
	isMulti, ok := multi.(bool)
	if !ok {
		return invalid("isMultiSection must be a boolean")
	}
	if !isMulti {
		return nil
	}

	sections, ok := raw["sections"].([]any)
	if !ok || len(sections) == 0 {
		return invalid("sections must be a non-empty array for a multi-section recipe")
	}
	for i, s := range sections {
		sec, ok := s.(map[string]any)
		if !ok {
			return invalid(fmt.Sprintf("sections[%d] must be an object", i))
		}
		prefix := fmt.Sprintf("sections[%d].", i)
		if err := requireNonEmptyString(sec, "title", prefix+"title"); err != nil {
			return err
		}
		if err := requireArray(sec, "ingredients", prefix+"ingredients"); err != nil {
			return err
		}
		if err := requireArray(sec, "recipeSteps", prefix+"recipeSteps"); err != nil {
			return err
		}
	}
	return nil
}

func requireNonEmptyString(obj map[string]any, key, label string) error {
	s, ok := obj[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return invalid(label + " must be a non-empty string")
	}
	return nil
}

func requireArray(obj map[string]any, key, label string) error {
	if _, ok := obj[key].([]any); !ok {
		return invalid(label + " must be an array")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, msg)
}

func optionalString(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// stringList flattens list entries to display strings. Objects such as
// {"quantity":"2","item":"eggs"} are kept as compact JSON.
func stringList(items []any) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		case json.Number:
			out = append(out, v.String())
		case bool:
			out = append(out, strconv.FormatBool(v))
		case nil:
		default:
			b, err := json.Marshal(v)
			if err == nil {
				out = append(out, string(b))
			}
		}
	}
	return out
}

// stripCodeFence removes a ```json ... ``` wrapper some models add despite
// being asked for bare JSON.
func stripCodeFence(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("```")) {
		return data
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("```"))
	if nl := bytes.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	return bytes.TrimSuffix(bytes.TrimSpace(trimmed), []byte("```"))
}
