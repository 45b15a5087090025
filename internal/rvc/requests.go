package rvc

import (
	"fmt"
	"strconv"
)

// Mnemonics the bridge handles directly.
const (
	MnemIsoRequest   = "IsoReq"
	MnemIsoAck       = "IsoAck"
	MnemProdIdent    = "ProdIdent"
	MnemDiagMsg1     = "DiagMsg1"
	MnemPmRequest    = "PmReq"
	MnemPmAssocSts   = "PmAssocSts"
	MnemPpnReadCmd   = "PmPpnReadCmd"
	MnemPpnReadRsp   = "PmPpnReadRsp"
	MnemPpnWriteCmd  = "PmPpnWriteCmd"
	MnemPpnWriteRsp  = "PmPpnWriteRsp"
	MnemPpnSession   = "PmPpnSessionCmd"
	MnemPpnSessRsp   = "PmPpnSessionRsp"
	MnemPpnNakRsp    = "PmPpnNakRsp"
	MnemAddressClaim = "IsoAddrClaim"
)

// NewRequest builds a request for mnemonic addressed to dest. Standard
// messages use an ISO request; proprietary ones use a PmReq naming the
// group function.
func (db *Database) NewRequest(mnemonic string, dest uint8) (*Message, error) {
	def, ok := db.Lookup(mnemonic)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPGN, mnemonic)
	}

	if def.GroupFunction != nil {
		req, err := db.New(MnemPmRequest)
		if err != nil {
			return nil, err
		}
		if err := req.SetRaw("ReqGroupFunction", uint64(*def.GroupFunction)); err != nil {
			return nil, err
		}
		req.Dest = dest
		return req, nil
	}

	req, err := db.New(MnemIsoRequest)
	if err != nil {
		return nil, err
	}
	if err := req.SetRaw("ReqPgn", uint64(def.PGN)); err != nil {
		return nil, err
	}
	req.Dest = dest
	return req, nil
}

// NewAssocRequest requests one association status record.
func (db *Database) NewAssocRequest(assocType string, assocInst int, dest uint8) (*Message, error) {
	req, err := db.NewRequest(MnemPmAssocSts, dest)
	if err != nil {
		return nil, err
	}
	if err := req.Set("ReqAssocType", assocType); err != nil {
		return nil, err
	}
	if err := req.SetRaw("ReqAssocInst", uint64(assocInst)); err != nil {
		return nil, err
	}
	return req, nil
}

// NewPpnRead asks for one proprietary parameter.
func (db *Database) NewPpnRead(param string, dest uint8) (*Message, error) {
	msg, err := db.New(MnemPpnReadCmd)
	if err != nil {
		return nil, err
	}
	if err := msg.Set("ParamId", param); err != nil {
		return nil, err
	}
	msg.Dest = dest
	return msg, nil
}

// NewPpnWrite writes one proprietary parameter.
func (db *Database) NewPpnWrite(param, value string, dest uint8) (*Message, error) {
	msg, err := db.New(MnemPpnWriteCmd)
	if err != nil {
		return nil, err
	}
	if err := msg.Set("ParamId", param); err != nil {
		return nil, err
	}
	if err := msg.Set("Value", value); err != nil {
		return nil, err
	}
	msg.Dest = dest
	return msg, nil
}

// NewPpnSession opens ("On") or closes ("Off") a parameter write session.
func (db *Database) NewPpnSession(state string, dest uint8) (*Message, error) {
	msg, err := db.New(MnemPpnSession)
	if err != nil {
		return nil, err
	}
	if err := msg.Set("Session", state); err != nil {
		return nil, err
	}
	msg.Dest = dest
	return msg, nil
}

// AssocMnemonic is the subscription key of a PmAssocSts record.
func AssocMnemonic(assocType string, assocInst uint64) string {
	return MnemPmAssocSts + assocType + strconv.FormatUint(assocInst, 10)
}
