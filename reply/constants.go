package reply

// Predefined basic reply codes for every standard RFC 5321 code.
const (
	CodeServiceReady             ReplyCode = 220
	CodeClosingTransmission      ReplyCode = 221
	CodeOK                       ReplyCode = 250
	CodeStartMailInput           ReplyCode = 354
	CodeServiceNotAvailable      ReplyCode = 421
	CodeMailboxBusy              ReplyCode = 450
	CodeLocalError               ReplyCode = 451
	CodeInsufficientStorage      ReplyCode = 452
	CodeCommandUnrecognized      ReplyCode = 500
	CodeSyntaxErrorInParameters  ReplyCode = 501
	CodeCommandNotImplemented    ReplyCode = 502
	CodeBadSequence              ReplyCode = 503
	CodeParameterNotImplemented  ReplyCode = 504
	CodeServerDoesNotAcceptMail  ReplyCode = 521
	CodeMailboxUnavailable       ReplyCode = 550
	CodeUserNotLocal             ReplyCode = 551
	CodeExceededStorageAlloc     ReplyCode = 552
	CodeMailboxNameNotAllowed    ReplyCode = 553
	CodeTransactionFailed        ReplyCode = 554
	CodeMailOrRcptParamsUnrecog  ReplyCode = 555
	CodeDomainDoesNotAcceptMail  ReplyCode = 556
)

// quick builds a Reply from a predefined code and a shared SubjectDetail,
// picking the enhanced class from the code's kind, so class and kind
// always agree. It panics if New rejects the arguments (an empty text);
// all call sites below pass fixed arguments, so that would be a
// programming error, not bad input.
func quick(code ReplyCode, sd SubjectDetail, text string) Reply {
	var enh EnhancedReplyCode
	switch code.Kind() {
	case PositiveCompletion:
		enh = Success(sd)
	case TransientNegative:
		enh = TransientFailure(sd)
	case PermanentNegative:
		enh = PermanentFailure(sd)
	default:
		r, err := New(code, nil, text)
		if err != nil {
			panic(err)
		}
		return r
	}
	r, err := New(code, &enh, text)
	if err != nil {
		panic(err)
	}
	return r
}

// ServiceReady builds the 220 greeting banner.
func ServiceReady(hostname, text string) Reply {
	r, err := New(CodeServiceReady, nil, hostname+" "+text)
	if err != nil {
		panic(err)
	}
	return r
}

func Closing(text string) Reply            { return quick(CodeClosingTransmission, OtherStatus, text) }
func OK(text string) Reply                 { return quick(CodeOK, OtherStatus, text) }
func StartMailInput(text string) Reply {
	r, _ := New(CodeStartMailInput, nil, text)
	return r
}
func LocalError(text string) Reply           { return quick(CodeLocalError, OtherStatus, text) }
func BadSequence(sd SubjectDetail, text string) Reply {
	return quick(CodeBadSequence, sd, text)
}
func CommandUnrecognized(text string) Reply { return quick(CodeCommandUnrecognized, InvalidCommand, text) }
func SyntaxErrorInParameters(text string) Reply {
	return quick(CodeSyntaxErrorInParameters, SyntaxError, text)
}
func MailboxUnavailable(text string) Reply { return quick(CodeMailboxUnavailable, OtherAddressStatus, text) }
