package protocol

// Numeric reply codes the engine and built-in handlers react to
const (
	RplNamReply         = 353
	RplEndOfMOTD        = 376
	ErrNoMOTD           = 422
	ErrNoNicknameGiven  = 431
	ErrErroneusNickname = 432
	ErrNicknameInUse    = 433
	ErrNickCollision    = 436
	ErrChannelIsFull    = 471
	ErrInviteOnlyChan   = 473
	ErrBannedFromChan   = 474
	ErrBadChannelKey    = 475
	ErrNeedReggedNick   = 477
)

// IsRegistrationComplete reports whether a numeric marks the end of
// connection registration (end of MOTD, or no MOTD at all)
func IsRegistrationComplete(code int) bool {
	return code == RplEndOfMOTD || code == ErrNoMOTD
}

// IsNicknameRejected reports whether a numeric rejects the nickname we claimed
func IsNicknameRejected(code int) bool {
	switch code {
	case ErrNoNicknameGiven, ErrErroneusNickname, ErrNicknameInUse:
		return true
	}
	return false
}

// IsJoinFailure reports whether a numeric means a JOIN was refused
func IsJoinFailure(code int) bool {
	switch code {
	case ErrChannelIsFull, ErrInviteOnlyChan, ErrBannedFromChan, ErrBadChannelKey, ErrNeedReggedNick:
		return true
	}
	return false
}
