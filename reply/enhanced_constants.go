package reply

// SubjectDetail is the "subject.detail" portion of an enhanced reply code,
// shared across the three classes (2.x.y success, 4.x.y transient failure,
// 5.x.y permanent failure). The full RFC 3463 matrix below is organized as
// (subject, detail) pairs so each class can be produced from the same
// table instead of being hand-duplicated three times.
type SubjectDetail struct{ Subject, Detail int }

var (
	OtherStatus                             = SubjectDetail{0, 0}
	OtherAddressStatus                      = SubjectDetail{1, 0}
	BadDestinationMailboxAddress            = SubjectDetail{1, 1}
	BadDestinationSystemAddress             = SubjectDetail{1, 2}
	BadDestinationMailboxAddressSyntax      = SubjectDetail{1, 3}
	DestinationMailboxAddressAmbiguous      = SubjectDetail{1, 4}
	DestinationMailboxAddressValid          = SubjectDetail{1, 5}
	MailboxHasMoved                         = SubjectDetail{1, 6}
	BadSendersMailboxAddressSyntax          = SubjectDetail{1, 7}
	BadSendersSystemAddress                 = SubjectDetail{1, 8}
	OtherOrUndefinedMailboxStatus           = SubjectDetail{2, 0}
	MailboxDisabled                         = SubjectDetail{2, 1}
	MailboxFull                             = SubjectDetail{2, 2}
	MessageLengthExceedsAdministrativeLimit = SubjectDetail{2, 3}
	MailingListExpansionProblem             = SubjectDetail{2, 4}
	OtherOrUndefinedMailSystemStatus        = SubjectDetail{3, 0}
	MailSystemFull                          = SubjectDetail{3, 1}
	SystemNotAcceptingNetworkMessages       = SubjectDetail{3, 2}
	SystemNotCapableOfSelectedFeatures      = SubjectDetail{3, 3}
	MessageTooBigForSystem                  = SubjectDetail{3, 4}
	OtherOrUndefinedNetworkOrRoutingStatus  = SubjectDetail{4, 0}
	NoAnswerFromHost                        = SubjectDetail{4, 1}
	BadConnection                           = SubjectDetail{4, 2}
	RoutingServerFailure                    = SubjectDetail{4, 3}
	UnableToRoute                           = SubjectDetail{4, 4}
	NetworkCongestion                       = SubjectDetail{4, 5}
	RoutingLoopDetected                     = SubjectDetail{4, 6}
	DeliveryTimeExpired                     = SubjectDetail{4, 7}
	OtherOrUndefinedProtocolStatus          = SubjectDetail{5, 0}
	InvalidCommand                          = SubjectDetail{5, 1}
	SyntaxError                             = SubjectDetail{5, 2}
	TooManyRecipients                       = SubjectDetail{5, 3}
	InvalidCommandArguments                 = SubjectDetail{5, 4}
	WrongProtocolVersion                    = SubjectDetail{5, 5}
	OtherOrUndefinedMediaError               = SubjectDetail{6, 0}
	MediaNotSupported                        = SubjectDetail{6, 1}
	ConversionRequiredAndProhibited          = SubjectDetail{6, 2}
	ConversionRequiredButNotSupported        = SubjectDetail{6, 3}
	ConversionWithLossPerformed              = SubjectDetail{6, 4}
	ConversionFailed                         = SubjectDetail{6, 5}
)

// Success, TransientFailure and PermanentFailure build the class 2.x.y,
// 4.x.y, 5.x.y enhanced codes from a shared SubjectDetail constant.
func Success(sd SubjectDetail) EnhancedReplyCode          { return EnhancedReplyCode{2, sd.Subject, sd.Detail} }
func TransientFailure(sd SubjectDetail) EnhancedReplyCode { return EnhancedReplyCode{4, sd.Subject, sd.Detail} }
func PermanentFailure(sd SubjectDetail) EnhancedReplyCode { return EnhancedReplyCode{5, sd.Subject, sd.Detail} }

// defaultText is the RFC 3463 default human-readable text for the handful
// of subject.detail pairs worth naming explicitly; anything else falls
// back to a generic per-class message.
var defaultText = map[SubjectDetail]string{
	OtherStatus:                  "OK",
	OtherAddressStatus:           "OK",
	DestinationMailboxAddressValid: "Recipient valid",
	OtherOrUndefinedMailSystemStatus: "OK",
	TooManyRecipients:            "Too many recipients",
	MailingListExpansionProblem:  "Mailing list expansion problem",
	InvalidCommand:               "Invalid command",
}

// DefaultText returns the conventional human-readable text for an
// enhanced code, falling back to a generic per-class message.
func DefaultText(e EnhancedReplyCode) string {
	if t, ok := defaultText[SubjectDetail{e.Subject, e.Detail}]; ok {
		return t
	}
	switch e.Class {
	case 2:
		return "OK"
	case 4:
		return "Temporary failure."
	case 5:
		return "Permanent failure."
	default:
		return ""
	}
}
