package handlers

import (
	"encoding/json"
	"net/http"
)

type object = map[string]interface{}

func queryParam(name, description string, schema object) object {
	return object{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func idParam() object {
	return object{
		"name":        "id",
		"in":          "path",
		"description": "Intersection ID",
		"required":    true,
		"schema":      object{"type": "string"},
	}
}

func pageParams() []object {
	return []object{
		queryParam("page", "Page number (default: 1)", object{"type": "integer", "default": 1}),
		queryParam("limit", "Records per page (default: 100, max: 1000)", object{"type": "integer", "default": 100}),
	}
}

func ref(name string) object {
	return object{"$ref": "#/components/schemas/" + name}
}

func jsonResponse(description string, schema object) object {
	return object{
		"description": description,
		"content": object{
			"application/json": object{"schema": schema},
		},
	}
}

func pagedResponse(item string) object {
	return jsonResponse("Successful response", object{
		"type": "object",
		"properties": object{
			"data":        object{"type": "array", "items": ref(item)},
			"total":       object{"type": "integer"},
			"page":        object{"type": "integer"},
			"limit":       object{"type": "integer"},
			"total_pages": object{"type": "integer"},
		},
	})
}

func nullable(typ string) object {
	return object{"type": typ, "nullable": true}
}

var errorResponse = jsonResponse("Error", ref("Error"))

var levelSchema = object{
	"type": "string",
	"enum": []string{"Low", "Moderate", "High", "Severe", "Critical"},
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the Traffic Platform API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	doc := object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "Traffic Platform API",
			"description": "Traffic Congestion Index pipeline results: per-intersection statistics, hourly metrics, enriched readings and signal timing recommendations",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "Traffic Platform Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": object{
			"/api/intersections": object{
				"get": object{
					"summary":     "Get intersection statistics",
					"description": "Per-intersection averages from the latest pipeline run, most congested first",
					"parameters": append([]object{
						queryParam("min_index", "Only intersections with at least this average congestion index", object{"type": "number"}),
					}, pageParams()...),
					"responses": object{
						"200": pagedResponse("IntersectionStat"),
						"400": errorResponse,
					},
				},
			},
			"/api/intersections/{id}/readings": object{
				"get": object{
					"summary":     "Get enriched readings",
					"description": "Scored sensor readings for one intersection, newest first",
					"parameters": append([]object{
						idParam(),
						queryParam("start", "Earliest timestamp (RFC3339 or YYYY-MM-DD)", object{"type": "string"}),
						queryParam("end", "Latest timestamp (RFC3339 or YYYY-MM-DD)", object{"type": "string"}),
						queryParam("level", "Congestion level", levelSchema),
					}, pageParams()...),
					"responses": object{
						"200": pagedResponse("EnrichedRecord"),
						"400": errorResponse,
					},
				},
			},
			"/api/intersections/{id}/hourly": object{
				"get": object{
					"summary":    "Get hourly metrics for an intersection",
					"parameters": append([]object{idParam()}, pageParams()...),
					"responses": object{
						"200": pagedResponse("HourlyMetric"),
					},
				},
			},
			"/api/intersections/{id}/recommendation": object{
				"get": object{
					"summary":     "Get signal timing recommendation",
					"description": "Green phase recommendation derived from the newest reading of the intersection",
					"parameters":  []object{idParam()},
					"responses": object{
						"200": jsonResponse("Successful response", ref("Recommendation")),
						"404": errorResponse,
					},
				},
			},
			"/api/traffic/hourly": object{
				"get": object{
					"summary": "Get hourly metrics",
					"parameters": append([]object{
						queryParam("intersection_id", "Filter by intersection ID", object{"type": "string"}),
						queryParam("hour", "Hour of day, may be repeated", object{"type": "integer", "minimum": 0, "maximum": 23}),
					}, pageParams()...),
					"responses": object{
						"200": pagedResponse("HourlyMetric"),
						"400": errorResponse,
					},
				},
			},
			"/health": object{
				"get": object{
					"summary":     "Health check",
					"description": "Check the API and its database",
					"responses": object{
						"200": jsonResponse("API is healthy", object{
							"type":       "object",
							"properties": object{"status": object{"type": "string"}},
						}),
						"503": jsonResponse("Database unreachable", object{"type": "object"}),
					},
				},
			},
			"/metrics": object{
				"get": object{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": object{
						"200": object{
							"description": "Prometheus metrics in text format",
							"content": object{
								"text/plain": object{"schema": object{"type": "string"}},
							},
						},
					},
				},
			},
		},
		"components": object{
			"schemas": object{
				"IntersectionStat": object{
					"type": "object",
					"properties": object{
						"intersection_id":      object{"type": "string"},
						"location":             nullable("string"),
						"latitude":             nullable("number"),
						"longitude":            nullable("number"),
						"num_lanes":            object{"type": "integer"},
						"capacity_per_hour":    nullable("number"),
						"avg_vehicle_count":    object{"type": "number"},
						"avg_speed":            object{"type": "number"},
						"avg_congestion_index": object{"type": "number"},
					},
				},
				"HourlyMetric": object{
					"type": "object",
					"properties": object{
						"intersection_id":      object{"type": "string"},
						"location":             nullable("string"),
						"hour":                 object{"type": "integer"},
						"total_vehicles":       object{"type": "integer"},
						"avg_speed":            object{"type": "number"},
						"avg_congestion_index": object{"type": "number"},
						"reading_count":        object{"type": "integer"},
					},
				},
				"EnrichedRecord": object{
					"type": "object",
					"properties": object{
						"timestamp":                object{"type": "string", "format": "date-time"},
						"intersection_id":          object{"type": "string"},
						"vehicle_count":            nullable("integer"),
						"average_speed":            nullable("number"),
						"num_lanes":                object{"type": "integer"},
						"location":                 nullable("string"),
						"capacity_per_hour":        nullable("number"),
						"capacity_per_interval":    nullable("number"),
						"volume_ratio":             nullable("number"),
						"speed_factor":             object{"type": "number"},
						"traffic_congestion_index": object{"type": "number"},
						"hour":                     object{"type": "integer"},
						"time_of_day":              object{"type": "string", "enum": []string{"Morning", "Afternoon", "Evening", "Night"}},
						"congestion_level":         levelSchema,
						"score_degraded":           object{"type": "boolean"},
						"degraded_reason":          object{"type": "string"},
					},
				},
				"Recommendation": object{
					"type": "object",
					"properties": object{
						"intersection_id":  object{"type": "string"},
						"location":         object{"type": "string"},
						"hour":             object{"type": "integer"},
						"vehicle_count":    object{"type": "integer"},
						"average_speed":    object{"type": "number"},
						"congestion_index": object{"type": "number"},
						"plan": object{
							"type": "object",
							"properties": object{
								"level":         levelSchema,
								"status":        object{"type": "string"},
								"green_seconds": object{"type": "integer"},
								"cycle":         object{"type": "string"},
							},
						},
						"signal_timing": object{"type": "string"},
						"justification": object{"type": "string"},
					},
				},
				"Error": object{
					"type": "object",
					"properties": object{
						"error":      object{"type": "string"},
						"message":    object{"type": "string"},
						"code":       object{"type": "integer"},
						"request_id": object{"type": "string"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}
