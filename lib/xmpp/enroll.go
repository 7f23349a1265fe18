package xmpp

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// permissionDeniedPrefix is the error string bots emit when a
// controller is not on their user list. The admin account follows it.
const permissionDeniedPrefix = "permission denied, please contact "

// enroll reacts to a bot's errno='103' (permission denied) response by
// adding the rejected controller to the bot on its behalf: AddUser,
// SetAC with full access, then GetUserInfo to confirm. This is the
// usual recovery for an appliance whose user list was written by the
// vendor cloud. Enrollment is skipped for vendor-temporary accounts
// (fuid_/fusername_ prefixes) and when authcode enforcement is on.
func (s *Session) enroll(el *Element, to string) {
	query := el.Find("query")
	if query == nil {
		return
	}
	ctl := query.FirstChild()
	if ctl == nil || to == "" {
		return
	}

	admin := ""
	if errAttr := ctl.Attr("error"); errAttr != "" {
		admin = strings.ReplaceAll(strings.TrimPrefix(errAttr, permissionDeniedPrefix), " ", "")
	} else if a := ctl.Attr("admin"); a != "" {
		admin = a
	}
	if admin == "" {
		return
	}
	if strings.HasPrefix(admin, "fuid_") || strings.HasPrefix(admin, "fusername_") || s.cfg.UseAuth {
		return
	}

	s.log.WithFields(logrus.Fields{"admin": admin, "to": to}).
		Info("bot reported permission denied, enrolling user")

	newuser := to
	if i := strings.IndexByte(newuser, '/'); i >= 0 {
		newuser = newuser[:i]
	}
	jid := s.JID()

	s.send(fmt.Sprintf(`<iq type="set" id="%s" from="%s" to="%s"><query xmlns="%s"><ctl td="AddUser" id="0000" jid="%s"/></query></iq>`,
		uuid.NewString(), admin, jid, nsCtl, newuser))

	s.send(fmt.Sprintf(`<iq type="set" id="%s" from="%s" to="%s"><query xmlns="%s"><ctl td="SetAC" id="1111" jid="%s"><acs><ac name="userman" allow="1"/><ac name="setting" allow="1"/><ac name="clean" allow="1"/></acs></ctl></query></iq>`,
		uuid.NewString(), admin, jid, nsCtl, newuser))

	s.send(fmt.Sprintf(`<iq type="set" id="%s" from="%s" to="%s"><query xmlns="%s"><ctl td="GetUserInfo" id="4444"/><UserInfos/></query></iq>`,
		uuid.NewString(), admin, jid, nsCtl))
}
