package analysis

import "encoding/json"

// ResultSchema is the JSON schema a batch result must satisfy. Unknown
// properties and nulls in optional fields are tolerated.
var ResultSchema = json.RawMessage(`{
  "name": "entity_extraction",
  "strict": false,
  "schema": {
    "type": "object",
    "properties": {
      "characters": {
        "type": "array",
        "items": {
          "type": "object",
          "properties": {
            "name": {"type": "string"},
            "translatedName": {"type": ["string", "null"]},
            "aliases": {"type": ["array", "null"], "items": {"type": "string"}},
            "titles": {"type": ["array", "null"], "items": {"type": "string"}},
            "gender": {"type": ["string", "null"]},
            "description": {"type": ["string", "null"]},
            "firstChapter": {"type": ["integer", "null"]}
          },
          "required": ["name"]
        }
      },
      "terms": {
        "type": "array",
        "items": {
          "type": "object",
          "properties": {
            "term": {"type": "string"},
            "translation": {"type": ["string", "null"]},
            "category": {"type": ["string", "null"]},
            "description": {"type": ["string", "null"]},
            "aliases": {"type": ["array", "null"], "items": {"type": "string"}},
            "firstChapter": {"type": ["integer", "null"]}
          },
          "required": ["term"]
        }
      },
      "events": {
        "type": "array",
        "items": {
          "type": "object",
          "properties": {
            "title": {"type": "string"},
            "startChapter": {"type": "integer"},
            "endChapter": {"type": ["integer", "null"]},
            "description": {"type": ["string", "null"]},
            "characters": {"type": ["array", "null"], "items": {"type": "string"}},
            "location": {"type": ["string", "null"]}
          },
          "required": ["title", "startChapter"]
        }
      }
    }
  }
}`)
