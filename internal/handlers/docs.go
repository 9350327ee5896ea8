package handlers

import (
	"net/http"
)

type schema = map[string]interface{}

// failedOutcomeExample is the reason a constant series fails with
const failedOutcomeExample = "arima model: degenerate series: innovation variance 0"

func jsonContent(s schema) schema {
	return schema{"application/json": schema{"schema": s}}
}

func response(description string, s schema) schema {
	if s == nil {
		return schema{"description": description}
	}
	return schema{"description": description, "content": jsonContent(s)}
}

func param(name, in, description string, required bool, s schema) schema {
	return schema{
		"name":        name,
		"in":          in,
		"description": description,
		"required":    required,
		"schema":      s,
	}
}

var (
	errorSchema = schema{
		"type":       "object",
		"properties": schema{"error": schema{"type": "string"}},
		"required":   []string{"error"},
	}

	apiErrorSchema = schema{
		"type": "object",
		"properties": schema{
			"error":   schema{"type": "string"},
			"message": schema{"type": "string"},
			"code":    schema{"type": "integer"},
		},
	}

	outcomeSchema = schema{
		"description": "Either a number (blended forecast) or a message string",
		"oneOf": []schema{
			{"type": "number"},
			{"type": "string", "example": "Insufficient data for forecasting"},
			{"type": "string", "example": failedOutcomeExample},
		},
	}

	saleLineSchema = schema{
		"type": "object",
		"properties": schema{
			"product_name": schema{"type": "string"},
			"quantity":     schema{"type": "string", "example": "3"},
			"price":        schema{"type": "string", "example": "2.50"},
			"total_price":  schema{"type": "string", "example": "7.50"},
			"date":         schema{"type": "string", "format": "date"},
		},
		"required": []string{"product_name", "quantity", "date"},
	}

	saleRecordSchema = schema{
		"type": "object",
		"properties": schema{
			"id":           schema{"type": "integer"},
			"user_id":      schema{"type": "integer"},
			"sale_id":      schema{"type": "integer"},
			"date":         schema{"type": "string", "format": "date-time"},
			"product_name": schema{"type": "string"},
			"quantity":     schema{"type": "string"},
			"price":        schema{"type": "string"},
			"total_price":  schema{"type": "string"},
			"created_at":   schema{"type": "string", "format": "date-time"},
		},
	}

	userIDParam = param("user_id", "path", "Owner of the sales history", true, schema{"type": "integer", "minimum": 1})
)

// OpenAPISpec returns the OpenAPI 3.0 description of the forecast API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := schema{
		"openapi": "3.0.0",
		"info": schema{
			"title":       "Demand Forecast API",
			"description": "Per-product next-day demand forecasts from a user's sales history",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": schema{
			"/forecast/{user_id}": schema{
				"get": schema{
					"summary":     "Forecast next-day demand",
					"description": "Forecasts every product of the user. Per-product failures are reported as strings inside products.",
					"parameters":  []schema{userIDParam},
					"responses": schema{
						"200": response("Forecast per product", schema{
							"type": "object",
							"properties": schema{
								"products": schema{
									"type":                 "object",
									"additionalProperties": outcomeSchema,
								},
							},
						}),
						"400": response("Invalid user id", errorSchema),
						"422": response("Sales history could not be normalized", errorSchema),
						"429": response("Rate limit exceeded", errorSchema),
						"500": response("Sales history could not be retrieved", errorSchema),
						"504": response("Forecast timed out", errorSchema),
					},
				},
			},
			"/api/series/{user_id}": schema{
				"get": schema{
					"summary":     "Describe product series",
					"description": "Summarizes the daily series each product would be forecast from",
					"parameters":  []schema{userIDParam},
					"responses": schema{
						"200": response("Series summaries", schema{
							"type": "object",
							"properties": schema{
								"user_id": schema{"type": "integer"},
								"products": schema{
									"type": "array",
									"items": schema{
										"type": "object",
										"properties": schema{
											"product":        schema{"type": "string"},
											"observations":   schema{"type": "integer"},
											"first_date":     schema{"type": "string", "format": "date-time"},
											"last_date":      schema{"type": "string", "format": "date-time"},
											"span_days":      schema{"type": "integer"},
											"missing_days":   schema{"type": "integer"},
											"total_quantity": schema{"type": "number"},
											"mean_quantity":  schema{"type": "number"},
											"forecastable":   schema{"type": "boolean"},
										},
									},
								},
							},
						}),
						"400": response("Invalid user id", apiErrorSchema),
					},
				},
			},
			"/api/sales": schema{
				"post": schema{
					"summary": "Store a sale",
					"requestBody": schema{
						"required": true,
						"content": jsonContent(schema{
							"type": "object",
							"properties": schema{
								"user_id":  schema{"type": "integer"},
								"products": schema{"type": "array", "items": saleLineSchema},
							},
						}),
					},
					"responses": schema{
						"201": response("Sale stored", schema{
							"type": "object",
							"properties": schema{
								"message": schema{"type": "string"},
								"sale_id": schema{"type": "integer"},
								"lines":   schema{"type": "integer"},
							},
						}),
						"400": response("Invalid sale", apiErrorSchema),
					},
				},
			},
			"/api/products": schema{
				"get": schema{
					"summary": "List stored sale lines",
					"parameters": []schema{
						param("user_id", "query", "Owner of the sales history", true, schema{"type": "integer"}),
						param("month", "query", "Restrict to one month (YYYY-MM)", false, schema{"type": "string"}),
						param("page", "query", "Page number (default: 1)", false, schema{"type": "integer", "default": 1}),
						param("limit", "query", "Records per page (default: 100)", false, schema{"type": "integer", "default": 100}),
					},
					"responses": schema{
						"200": response("Paginated sale lines", schema{
							"type": "object",
							"properties": schema{
								"products":                  schema{"type": "array", "items": saleRecordSchema},
								"total_count":               schema{"type": "integer"},
								"limit":                     schema{"type": "integer"},
								"offset":                    schema{"type": "integer"},
								"total_earnings":            schema{"type": "string", "description": "Sum of total_price over the whole filtered range", "example": "125.50"},
								"product_with_highest_sale": schema{"description": "Row of the range with the highest total_price, null when empty", "nullable": true, "allOf": []schema{saleRecordSchema}},
							},
						}),
						"400": response("Invalid filter", apiErrorSchema),
					},
				},
			},
			"/api/sales/next-id": schema{
				"get": schema{
					"summary":     "Peek at the next sale id",
					"description": "The id is allocated when a sale is stored; a concurrent sale may take the reported one first.",
					"responses": schema{
						"200": response("Next sale id", schema{
							"type":       "object",
							"properties": schema{"next_sale_id": schema{"type": "integer"}},
						}),
						"500": response("Database unreachable", apiErrorSchema),
					},
				},
			},
			"/health": schema{
				"get": schema{
					"summary": "Health check",
					"responses": schema{
						"200": response("API and database are reachable", nil),
						"503": response("Database unreachable", nil),
					},
				},
			},
			"/metrics": schema{
				"get": schema{
					"summary": "Prometheus metrics",
					"responses": schema{
						"200": schema{
							"description": "Prometheus metrics in text format",
							"content":     schema{"text/plain": schema{"schema": schema{"type": "string"}}},
						},
					},
				},
			},
		},
	}

	writeJSON(w, spec, http.StatusOK)
}
