package gemini

import "google.golang.org/genai"

var stringList = &genai.Schema{
	Type:  genai.TypeArray,
	Items: &genai.Schema{Type: genai.TypeString},
}

// recipeSchema constrains model output to the shape generation.ParseRecipe
// accepts.
var recipeSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"title":          {Type: genai.TypeString},
		"description":    {Type: genai.TypeString},
		"cuisine":        {Type: genai.TypeString},
		"type":           {Type: genai.TypeString},
		"difficulty":     {Type: genai.TypeString, Enum: []string{"easy", "medium", "hard"}},
		"servings":       {Type: genai.TypeNumber},
		"prepTime":       {Type: genai.TypeString},
		"cookTime":       {Type: genai.TypeString},
		"ingredients":    stringList,
		"recipeSteps":    stringList,
		"isMultiSection": {Type: genai.TypeBoolean},
		"sections": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"title":       {Type: genai.TypeString},
					"ingredients": stringList,
					"recipeSteps": stringList,
				},
				Required: []string{"title", "ingredients", "recipeSteps"},
			},
		},
	},
	Required: []string{"title", "ingredients", "recipeSteps", "servings", "difficulty"},
}
