// Package schema implements the declarative payload schema dialect used for
// command validation and status payload templates.
//
// A schema is a tree of nodes parsed from the YAML configuration:
//
//   - A bare scalar declares a required field. For command validation only the
//     scalar's type matters (it is a type exemplar); for status templates the
//     value seeds the initial snapshot.
//   - A one-key mapping {default: v} declares an optional field whose value is
//     filled in when the caller omits it.
//   - A mapping of field names to nodes declares a required nested object.
//   - An empty mapping {} accepts anything.
//
// Fields present in a payload but absent from the schema pass through
// untouched. Validation never mutates its input.
package schema
