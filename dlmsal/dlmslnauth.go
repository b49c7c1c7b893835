package dlmsal

import (
	"errors"
	"fmt"

	"github.com/cybroslabs/dlms-engine/base"
)

const (
	associationLNClass = 15
	replyToHLSMethod   = 1
)

var associationLNObis = DlmsObis{A: 0, B: 0, C: 40, D: 0, E: 0, F: 255}

// replytohls is the second pass of HLS, f(StoC) goes to the server and f(CtoS) has to
// come back. Called with rmu held.
func (d *dlmsal) replytohls() error {
	if err := d.conf.Require(base.ConformanceBlockAction); err != nil {
		return fmt.Errorf("%w: %w", base.ErrAuthentication, err)
	}
	answer, err := d.sec.answer()
	if err != nil {
		return err
	}
	item := DlmsLNRequestItem{
		ClassId:   associationLNClass,
		Obis:      associationLNObis,
		Attribute: replyToHLSMethod,
		SetData:   EncodeOctetString(answer),
	}
	// reply_to_HLS is always confirmed
	confirmed := d.settings.ConfirmedRequests
	d.settings.ConfirmedRequests = true
	data, err := d.action(&item)
	d.settings.ConfirmedRequests = confirmed
	if err != nil {
		var ae *ActionError
		if errors.As(err, &ae) {
			return fmt.Errorf("%w: server refused the challenge response: %v", base.ErrAuthentication, ae.Result)
		}
		return err
	}
	if data == nil || !data.Ok() {
		return fmt.Errorf("%w: no challenge response from server", base.ErrAuthentication)
	}
	value, err := DecodeOctetString(data.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", base.ErrAuthentication, err)
	}
	if err = d.sec.check(value); err != nil {
		d.logf("Server authentication failed, possible impersonation: %v", err)
		return err
	}
	d.logf("Server authenticated")
	return nil
}
