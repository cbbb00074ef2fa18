package casewire

import (
	"net/http"

	"github.com/golang/glog"
)

// maintenance window signal used by the platform proxy
const StatusMaintenance = 520

// NotificationSink receives user-visible error reports from the stream
// and query layers. The core only calls the sink; rendering and routing
// are up to the application.
type NotificationSink interface {
	Error(source string, data any, status int)
	Log(source string, message string)
}

// LogNotificationSink reports through glog. AuthExpired and Maintenance
// are invoked for 401 and 520 so the application can route to its login
// or maintenance surface.
type LogNotificationSink struct {
	AuthExpired func()
	Maintenance func()
}

func NewLogNotificationSink() *LogNotificationSink {
	return &LogNotificationSink{}
}

func (self *LogNotificationSink) Error(source string, data any, status int) {
	glog.Infof("[notify]%s error (%d) = %v\n", source, status, data)
	switch status {
	case http.StatusUnauthorized:
		if self.AuthExpired != nil {
			self.AuthExpired()
		}
	case StatusMaintenance:
		if self.Maintenance != nil {
			self.Maintenance()
		}
	}
}

func (self *LogNotificationSink) Log(source string, message string) {
	glog.Infof("[notify]%s %s\n", source, message)
}
