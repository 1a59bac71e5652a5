package audit

import "github.com/sivaosorg/loggy"

// DefaultLogSubscriber returns a Subscriber that renders every event as a
// structured loggy line, the way the teacher's chain.go ships pre-built
// DefaultReconnectChain/DefaultInspectorChain callbacks for attaching to
// a Datasource without writing one by hand. Front ends that want to
// observe the audit bus without wiring their own collector can do:
//
//	bus := audit.NewBus()
//	bus.SubscribeAsync(audit.TopicAll, audit.DefaultLogSubscriber())
//	app.SetAuditBus(bus)
func DefaultLogSubscriber() Subscriber {
	return func(e Event) {
		if sql, ok := e.Metadata()["interpolated_sql"].(string); ok {
			loggy.Debugf("[afpsql.audit] topic=%s request_id=%s session=%s sql=%s", e.Topic(), e.RequestID(), e.Session(), sql)
			return
		}
		errorCode, _ := e.Metadata()["error_code"].(string)
		commandTag, _ := e.Metadata()["command_tag"].(string)
		loggy.Infof("[afpsql.audit] topic=%s request_id=%s session=%s error_code=%s command_tag=%s",
			e.Topic(), e.RequestID(), e.Session(), errorCode, commandTag)
	}
}
