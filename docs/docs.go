// Package docs registers the OpenAPI description of the scanqueue REST API
// with swag so the API server can serve it at /swagger/doc.json.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-API-Key"}
    },
    "security": [{"ApiKeyAuth": []}],
    "paths": {
        "/health": {
            "get": {
                "operationId": "getHealth",
                "tags": ["system"],
                "summary": "Service health",
                "security": [],
                "responses": {
                    "200": {"description": "Healthy or degraded", "schema": {"$ref": "#/definitions/HealthResponse"}},
                    "503": {"description": "Unhealthy", "schema": {"$ref": "#/definitions/HealthResponse"}}
                }
            }
        },
        "/version": {
            "get": {
                "operationId": "getVersion",
                "tags": ["system"],
                "summary": "Build information",
                "security": [],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/scans": {
            "post": {
                "operationId": "submitScan",
                "tags": ["scans"],
                "summary": "Submit a scan",
                "description": "Validates the targets, reserves a scanner instance and queues the task.",
                "consumes": ["application/json"],
                "parameters": [
                    {"name": "X-Idempotency-Key", "in": "header", "type": "string", "required": false},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitRequest"}}
                ],
                "responses": {
                    "202": {"description": "Queued", "schema": {"$ref": "#/definitions/SubmitResponse"}},
                    "200": {"description": "Duplicate of an earlier submission", "schema": {"$ref": "#/definitions/SubmitResponse"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/ErrorResponse"}},
                    "409": {"description": "Idempotency key reused with a different request", "schema": {"$ref": "#/definitions/ErrorResponse"}},
                    "503": {"description": "No scanner capacity", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            },
            "get": {
                "operationId": "listScans",
                "tags": ["scans"],
                "summary": "List tasks",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "scan_type", "in": "query", "type": "string"},
                    {"name": "pool", "in": "query", "type": "string"},
                    {"name": "target", "in": "query", "type": "string", "description": "Only tasks whose targets contain this address"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid filter", "schema": {"$ref": "#/definitions/ErrorResponse"}}}
            }
        },
        "/scans/{id}": {
            "get": {
                "operationId": "getScan",
                "tags": ["scans"],
                "summary": "Task status",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/StatusView"}},
                    "404": {"description": "Unknown task", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            },
            "delete": {
                "operationId": "deleteScan",
                "tags": ["scans"],
                "summary": "Delete a task",
                "description": "Deleting an unknown task succeeds.",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {"204": {"description": "Deleted"}}
            }
        },
        "/scans/{id}/results": {
            "get": {
                "operationId": "getScanResults",
                "tags": ["scans"],
                "summary": "Projected result records",
                "description": "Newline-delimited JSON. Pass either schema_profile or fields; filter.<field>=<condition> filters records.",
                "produces": ["application/x-ndjson"],
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "schema_profile", "in": "query", "type": "string", "enum": ["minimal", "summary", "brief", "full"]},
                    {"name": "fields", "in": "query", "type": "string", "description": "Comma-separated field list"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "Records"},
                    "400": {"description": "Invalid projection", "schema": {"$ref": "#/definitions/ErrorResponse"}},
                    "404": {"description": "Unknown task", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/scans/{id}/pause": {
            "post": {
                "operationId": "pauseScan",
                "tags": ["scans"],
                "summary": "Pause a running task",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/StatusView"}}, "409": {"description": "Not running", "schema": {"$ref": "#/definitions/ErrorResponse"}}}
            }
        },
        "/scans/{id}/resume": {
            "post": {
                "operationId": "resumeScan",
                "tags": ["scans"],
                "summary": "Resume a paused task",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/StatusView"}}, "409": {"description": "Not running", "schema": {"$ref": "#/definitions/ErrorResponse"}}}
            }
        },
        "/scans/{id}/stop": {
            "post": {
                "operationId": "stopScan",
                "tags": ["scans"],
                "summary": "Stop a task",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/StatusView"}}, "409": {"description": "Already finished", "schema": {"$ref": "#/definitions/ErrorResponse"}}}
            }
        },
        "/scans/{id}/watch": {
            "get": {
                "operationId": "watchScan",
                "tags": ["scans"],
                "summary": "WebSocket stream of status changes",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {"101": {"description": "Switching protocols"}, "404": {"description": "Unknown task", "schema": {"$ref": "#/definitions/ErrorResponse"}}}
            }
        },
        "/scanners": {
            "get": {
                "operationId": "listScanners",
                "tags": ["scanners"],
                "summary": "Scanner instances",
                "parameters": [
                    {"name": "pool", "in": "query", "type": "string"},
                    {"name": "enabled_only", "in": "query", "type": "boolean"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/scanners/health": {
            "get": {
                "operationId": "getPoolHealth",
                "tags": ["scanners"],
                "summary": "Per-pool health",
                "responses": {"200": {"description": "At least one pool usable"}, "503": {"description": "No pool usable"}}
            }
        },
        "/scanners/{id}/status": {
            "put": {
                "operationId": "setScannerStatus",
                "tags": ["scanners"],
                "summary": "Change the operational status of an instance",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {
                        "type": "object",
                        "required": ["status"],
                        "properties": {"status": {"type": "string", "enum": ["healthy", "unhealthy", "disabled"]}}
                    }}
                ],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Unknown scanner", "schema": {"$ref": "#/definitions/ErrorResponse"}}}
            }
        },
        "/queue": {
            "get": {
                "operationId": "getQueueStats",
                "tags": ["queue"],
                "summary": "Queue depth and dead-letter size",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/queue/dlq": {
            "get": {
                "operationId": "listDeadLetters",
                "tags": ["queue"],
                "summary": "Dead-letter entries",
                "parameters": [
                    {"name": "start", "in": "query", "type": "integer"},
                    {"name": "end", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK"}}
            },
            "delete": {
                "operationId": "clearDeadLetters",
                "tags": ["queue"],
                "summary": "Remove every dead-letter entry",
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "SubmitRequest": {
            "type": "object",
            "required": ["targets"],
            "properties": {
                "targets": {"type": "string", "example": "10.0.0.0/24,10.0.1.5"},
                "name": {"type": "string"},
                "description": {"type": "string"},
                "scan_type": {"type": "string", "enum": ["untrusted", "trusted", "privileged"]},
                "schema_profile": {"type": "string", "enum": ["minimal", "summary", "brief", "full"]},
                "scanner_type": {"type": "string"},
                "scanner_pool": {"type": "string"},
                "credentials": {"type": "object", "additionalProperties": {"type": "string"}},
                "idempotency_key": {"type": "string"}
            }
        },
        "SubmitResponse": {
            "type": "object",
            "properties": {
                "task_id": {"type": "string"},
                "trace_id": {"type": "string"},
                "status": {"type": "string"},
                "scanner_instance": {"type": "string"},
                "duplicate": {"type": "boolean"}
            }
        },
        "StatusView": {
            "type": "object",
            "properties": {
                "task_id": {"type": "string"},
                "trace_id": {"type": "string"},
                "name": {"type": "string"},
                "targets": {"type": "string"},
                "scan_type": {"type": "string"},
                "status": {"type": "string", "enum": ["QUEUED", "RUNNING", "COMPLETED", "FAILED", "TIMEOUT", "UNKNOWN"]},
                "progress": {"type": "integer"},
                "paused": {"type": "boolean"},
                "scanner_pool": {"type": "string"},
                "scanner_instance": {"type": "string"},
                "backend_scan_id": {"type": "string"},
                "created_at": {"type": "string"},
                "started_at": {"type": "string"},
                "completed_at": {"type": "string"},
                "error_message": {"type": "string"}
            }
        },
        "HealthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "timestamp": {"type": "string"},
                "uptime": {"type": "string"},
                "checks": {"type": "object", "additionalProperties": {"type": "string"}},
                "queue_depth": {"type": "integer"},
                "dlq_size": {"type": "integer"}
            }
        },
        "ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "message": {"type": "string"},
                "code": {"type": "string"},
                "timestamp": {"type": "string"},
                "request_id": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "scanqueue API",
	Description:      "Queue, dispatch and track vulnerability scans across pools of scanner backends.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
