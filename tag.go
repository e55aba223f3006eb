package agentz

import "strconv"

// TagKey is a registered span tag key.
// Backends index tags by key, so producers must use the constants below.
type TagKey string

const (
	TagURL            TagKey = "url"
	TagHTTPMethod     TagKey = "http.method"
	TagHTTPStatusCode TagKey = "status_code"
	TagHTTPStatusMsg  TagKey = "http.status.msg"
	TagDBType         TagKey = "db.type"
	TagDBInstance     TagKey = "db.instance"
	TagDBStatement    TagKey = "db.statement"
	TagMQTopic        TagKey = "mq.topic"
	TagMQQueue        TagKey = "mq.queue"
)

// registeredTags maps every known key to whether a later value replaces an earlier one.
var registeredTags = map[TagKey]bool{
	TagURL:            false,
	TagHTTPMethod:     false,
	TagHTTPStatusCode: true,
	TagHTTPStatusMsg:  true,
	TagDBType:         false,
	TagDBInstance:     false,
	TagDBStatement:    false,
	TagMQTopic:        false,
	TagMQQueue:        false,
}

// Tag is one key/value pair attached to a span.
type Tag struct {
	Key   TagKey `json:"key"`
	Value string `json:"value"`
}

// IsRegistered reports whether key belongs to the tag vocabulary.
func IsRegistered(key TagKey) bool {
	_, ok := registeredTags[key]
	return ok
}

// IsOverridable reports whether setting key again replaces the previous value
// instead of appending a second entry.
func IsOverridable(key TagKey) bool {
	return registeredTags[key]
}

// HTTPURL tags the full request URL.
func HTTPURL(url string) Tag { return Tag{Key: TagURL, Value: url} }

// HTTPMethod tags the request method.
func HTTPMethod(method string) Tag { return Tag{Key: TagHTTPMethod, Value: method} }

// HTTPStatusCode tags the response status code.
func HTTPStatusCode(code int) Tag {
	return Tag{Key: TagHTTPStatusCode, Value: strconv.Itoa(code)}
}

// HTTPStatusMsg tags the response status text.
func HTTPStatusMsg(msg string) Tag { return Tag{Key: TagHTTPStatusMsg, Value: msg} }

func DBType(v string) Tag      { return Tag{Key: TagDBType, Value: v} }
func DBInstance(v string) Tag  { return Tag{Key: TagDBInstance, Value: v} }
func DBStatement(v string) Tag { return Tag{Key: TagDBStatement, Value: v} }
func MQTopic(v string) Tag     { return Tag{Key: TagMQTopic, Value: v} }
func MQQueue(v string) Tag     { return Tag{Key: TagMQQueue, Value: v} }
