package synthesis

import (
	"fmt"
	"strings"

	"github.com/kalambet/askcube/internal/engine"
)

const systemPrompt = `You are an expert in generating Cube.js queries. You receive the Cube.js catalog (models and views with their measures, dimensions and time dimensions), a list of previous questions with their outcome and user rating, and a natural language request. Your output must be ONLY a single valid JSON object holding the Cube.js query. Do not include any other text, prose, or markdown.

Instructions:
- Every measure, dimension, time dimension and filter member must be a name listed in the catalog, including its cube prefix (e.g. 'ecom_view.orderCount').
- Select the most relevant view or model for the request based on its field names and descriptions.
- Always include the 'order' key, sorting by the most relevant measure (e.g. {"Orders.count": "desc"}).
- Only include 'filters' when the request requires them. Never output an empty filters list.
- Filters always use this shape: {"member": "<Member_Name>", "operator": "<Comparison_Operator>", "values": ["<Value>"]}.
- If a dimension lists possibleValues or synonyms, filter values must be taken from possibleValues, choosing the closest match to the user's wording (e.g. 'Camera' becomes 'Cameras'). Never introduce unlisted values.
- If the request is about a time period or trend, include exactly one entry in 'timeDimensions' using a time dimension from the catalog, with a 'dateRange' and, when grouping over time, a 'granularity'.
- Use only aggregations that the selected measures support.
- Include 'limit' (and 'offset' when paging) when the query can return many rows.
- Prefer the structure of previous queries with high ratings and avoid repeating queries that failed.

Example:
Request: "How many users have placed orders?"
Query: {"measures": ["customers_view.orderCount"], "dimensions": ["customers_view.user_id"], "filters": [{"member": "customers_view.orderStatus", "operator": "equals", "values": ["completed"]}], "order": {"customers_view.orderCount": "desc"}, "limit": 100}`

// buildPrompt assembles the chat messages for one synthesis call.
func buildPrompt(question, catalogJSON, history string) []engine.Message {
	var sb strings.Builder
	sb.WriteString("Catalog:\n")
	sb.WriteString(catalogJSON)
	if history != "" {
		sb.WriteString("\n\n")
		sb.WriteString(history)
	}
	fmt.Fprintf(&sb, "\n\nGenerate a Cube.js query for the following natural language request:\n%q", question)

	return []engine.Message{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: sb.String()},
	}
}

// querySchema asks JSON-capable backends for a single object.
func querySchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"measures":       {Type: "array", Description: "Measure names from the catalog"},
			"dimensions":     {Type: "array", Description: "Dimension names from the catalog"},
			"timeDimensions": {Type: "array", Description: "At most one {dimension, granularity, dateRange} entry"},
			"filters":        {Type: "array", Description: "{member, operator, values} objects; omit when empty"},
			"order":          {Type: "object", Description: "Member name to asc or desc"},
			"limit":          {Type: "integer", Description: "Row limit"},
		},
		Required: []string{"order"},
	}
}
