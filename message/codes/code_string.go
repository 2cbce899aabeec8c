package codes

import "strconv"

var codeNames = map[Code]string{
	Empty:  "Empty",
	GET:    "GET",
	POST:   "POST",
	PUT:    "PUT",
	DELETE: "DELETE",

	Created:  "Created",
	Deleted:  "Deleted",
	Valid:    "Valid",
	Changed:  "Changed",
	Content:  "Content",
	Continue: "Continue",

	BadRequest:              "BadRequest",
	Unauthorized:            "Unauthorized",
	BadOption:               "BadOption",
	Forbidden:               "Forbidden",
	NotFound:                "NotFound",
	MethodNotAllowed:        "MethodNotAllowed",
	NotAcceptable:           "NotAcceptable",
	RequestEntityIncomplete: "RequestEntityIncomplete",
	PreconditionFailed:      "PreconditionFailed",
	RequestEntityTooLarge:   "RequestEntityTooLarge",
	UnsupportedMediaType:    "UnsupportedMediaType",

	InternalServerError:  "InternalServerError",
	NotImplemented:       "NotImplemented",
	BadGateway:           "BadGateway",
	ServiceUnavailable:   "ServiceUnavailable",
	GatewayTimeout:       "GatewayTimeout",
	ProxyingNotSupported: "ProxyingNotSupported",

	CSM:     "CSM",
	Ping:    "Ping",
	Pong:    "Pong",
	Release: "Release",
	Abort:   "Abort",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Code(" + strconv.FormatUint(uint64(c), 10) + ")"
}
