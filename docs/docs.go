// Package docs holds the OpenAPI description served under /swagger/.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/uploads": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Declare a file by name, total size and chunk count. An empty file is one empty chunk.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Create upload session",
                "parameters": [
                    {
                        "description": "Upload declaration",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/uploads.CreateUploadRequest"}
                    }
                ],
                "responses": {
                    "201": {"description": "Session created", "schema": {"$ref": "#/definitions/uploads.CreateUploadResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/response.Response"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Response"}},
                    "429": {"description": "Rate limit exceeded", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/uploads/{uploadId}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Get upload status",
                "parameters": [
                    {"type": "string", "description": "Upload ID", "name": "uploadId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "Upload status", "schema": {"$ref": "#/definitions/uploads.UploadStatusResponse"}},
                    "403": {"description": "Not the session owner", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Unknown session", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "description": "Delete an OPEN or FAILED session and its chunks",
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Discard upload",
                "parameters": [
                    {"type": "string", "description": "Upload ID", "name": "uploadId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "Discarded", "schema": {"$ref": "#/definitions/response.Response"}},
                    "403": {"description": "Not the session owner", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Unknown session", "schema": {"$ref": "#/definitions/response.Response"}},
                    "409": {"description": "Session is committing or terminal", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/uploads/{uploadId}/chunks/{index}": {
            "put": {
                "security": [{"BearerAuth": []}],
                "description": "Store the raw request body as chunk {index}. Re-sending an index replaces it.",
                "consumes": ["application/octet-stream"],
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Upload a chunk",
                "parameters": [
                    {"type": "string", "description": "Upload ID", "name": "uploadId", "in": "path", "required": true},
                    {"type": "integer", "description": "Chunk index, zero based", "name": "index", "in": "path", "required": true},
                    {"type": "string", "description": "sha256=<hex> or blake2b=<hex>", "name": "X-Chunk-Checksum", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "Chunk stored", "schema": {"$ref": "#/definitions/uploads.ChunkAcceptedResponse"}},
                    "400": {"description": "Bad index or checksum header", "schema": {"$ref": "#/definitions/response.Response"}},
                    "403": {"description": "Not the session owner", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Unknown or expired session", "schema": {"$ref": "#/definitions/response.Response"}},
                    "409": {"description": "Checksum mismatch or session not accepting chunks", "schema": {"$ref": "#/definitions/response.Response"}},
                    "413": {"description": "Chunk too large", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/uploads/{uploadId}/commit": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Verify completeness, hash the assembled file and store it once by content. Safe to retry.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["uploads"],
                "summary": "Commit upload",
                "parameters": [
                    {"type": "string", "description": "Upload ID", "name": "uploadId", "in": "path", "required": true},
                    {"description": "Extra metadata", "name": "request", "in": "body", "schema": {"$ref": "#/definitions/uploads.CommitUploadRequest"}}
                ],
                "responses": {
                    "201": {"description": "Committed", "schema": {"$ref": "#/definitions/types.CommitResult"}},
                    "400": {"description": "Missing chunks, listed in missingChunks", "schema": {"$ref": "#/definitions/response.Response"}},
                    "403": {"description": "Not the session owner", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Unknown or expired session", "schema": {"$ref": "#/definitions/response.Response"}},
                    "409": {"description": "Another commit is still running", "schema": {"$ref": "#/definitions/response.Response"}},
                    "422": {"description": "Storage failure, retry the commit", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/files/{a}/{b}/{hash}": {
            "get": {
                "description": "Content-addressed and immutable. Redirects to a presigned URL when the object store supports it.",
                "produces": ["application/octet-stream"],
                "tags": ["files"],
                "summary": "Download a committed file",
                "parameters": [
                    {"type": "string", "description": "First two hash characters", "name": "a", "in": "path", "required": true},
                    {"type": "string", "description": "Next two hash characters", "name": "b", "in": "path", "required": true},
                    {"type": "string", "description": "SHA-256 of the file", "name": "hash", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "File content", "schema": {"type": "file"}},
                    "307": {"description": "Redirect to a presigned URL"},
                    "400": {"description": "Malformed path", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "No such file", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/files/{a}/{b}/{hash}/info": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["files"],
                "summary": "Get file information",
                "parameters": [
                    {"type": "string", "description": "First two hash characters", "name": "a", "in": "path", "required": true},
                    {"type": "string", "description": "Next two hash characters", "name": "b", "in": "path", "required": true},
                    {"type": "string", "description": "SHA-256 of the file", "name": "hash", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "File information", "schema": {"$ref": "#/definitions/files.FileInfoResponse"}},
                    "400": {"description": "Malformed path", "schema": {"$ref": "#/definitions/response.Response"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "No such file", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/ws": {
            "get": {
                "description": "Upgrades to a websocket that receives chunk, commit and expiry events for the caller's uploads",
                "tags": ["uploads"],
                "summary": "Upload event stream",
                "parameters": [
                    {"type": "string", "description": "JWT", "name": "token", "in": "query", "required": true}
                ],
                "responses": {
                    "101": {"description": "Switching protocols"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/admin/cache/stats": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Object cache statistics",
                "responses": {
                    "200": {"description": "Statistics", "schema": {"$ref": "#/definitions/response.Response"}},
                    "403": {"description": "Admin role required", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/admin/cache": {
            "delete": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Clear the object cache",
                "responses": {
                    "200": {"description": "Cleared", "schema": {"$ref": "#/definitions/response.Response"}},
                    "403": {"description": "Admin role required", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        }
    },
    "definitions": {
        "files.FileInfoResponse": {
            "type": "object",
            "properties": {
                "firstStoredAt": {"type": "string"},
                "publicPath": {"type": "string"},
                "sha256": {"type": "string"},
                "size": {"type": "integer"},
                "storagePath": {"type": "string"}
            }
        },
        "response.Response": {
            "type": "object",
            "properties": {
                "data": {},
                "error": {"type": "string"},
                "kind": {"type": "string"},
                "message": {"type": "string"},
                "missingChunks": {"type": "array", "items": {"type": "integer"}},
                "status": {"type": "string"}
            }
        },
        "types.CommitResult": {
            "type": "object",
            "properties": {
                "isDuplicate": {"type": "boolean"},
                "publicPath": {"type": "string"},
                "sha256": {"type": "string"},
                "size": {"type": "integer"},
                "storagePath": {"type": "string"}
            }
        },
        "uploads.ChunkAcceptedResponse": {
            "type": "object",
            "properties": {
                "chunkIndex": {"type": "integer"},
                "size": {"type": "integer"},
                "totalChunks": {"type": "integer"},
                "uploadId": {"type": "string"},
                "uploadedChunks": {"type": "integer"}
            }
        },
        "uploads.CommitUploadRequest": {
            "type": "object",
            "properties": {
                "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "uploads.CreateUploadRequest": {
            "type": "object",
            "required": ["fileName", "totalChunks"],
            "properties": {
                "fileName": {"type": "string", "maxLength": 255},
                "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
                "totalChunks": {"type": "integer", "minimum": 1},
                "totalSize": {"type": "integer", "minimum": 0}
            }
        },
        "uploads.CreateUploadResponse": {
            "type": "object",
            "properties": {
                "expiresAt": {"type": "string"},
                "uploadId": {"type": "string"}
            }
        },
        "uploads.UploadStatusResponse": {
            "type": "object",
            "properties": {
                "expiresAt": {"type": "string"},
                "fileName": {"type": "string"},
                "missingChunks": {"type": "array", "items": {"type": "integer"}},
                "progress": {"type": "number"},
                "state": {"type": "string"},
                "totalChunks": {"type": "integer"},
                "uploadId": {"type": "string"},
                "uploadedChunks": {"type": "integer"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Uploads Service API",
	Description:      "Resumable chunked uploads with content-addressed storage.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
