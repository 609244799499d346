package sqlscan

import (
	"errors"
	"testing"
)

func TestFilter_Check(t *testing.T) {
	allowed := []string{
		"CREATE TABLE `t` (`id` int)",
		"CREATE TABLE `t` (`v` varchar(10) DEFAULT 'GRANT ALL')",
		"DROP TABLE IF EXISTS `t`",
		"ALTER TABLE `t` ADD KEY `k` (`c`)",
		"/*!40000 ALTER TABLE `t` DISABLE KEYS */",
		"LOCK TABLES `t` WRITE",
		"UNLOCK TABLES",
		"START TRANSACTION",
		"COMMIT",
		"SET NAMES utf8mb4",
		"/*!40101 SET @OLD_SQL_MODE=@@SQL_MODE, SQL_MODE='NO_AUTO_VALUE_ON_ZERO' */",
		"SET SESSION time_zone = '+00:00'",
		"SET @@session.foreign_key_checks := 0",
		"-- only a comment",
	}
	for _, stmt := range allowed {
		if err := (Filter{}).Check(stmt); err != nil {
			t.Errorf("Check(%q) = %v, want allowed", stmt, err)
		}
	}

	rejected := []string{
		"GRANT ALL ON *.* TO 'x'@'%'",
		"REVOKE ALL ON *.* FROM 'x'",
		"CREATE USER 'x'@'%'",
		"CREATE FUNCTION f() RETURNS int RETURN 1",
		"CREATE TRIGGER tr BEFORE INSERT ON t FOR EACH ROW SET @x=1",
		"SELECT * FROM t INTO OUTFILE '/tmp/x'",
		"SELECT 1 UNION SELECT 2",
		"SET GLOBAL general_log = 1",
		"SET @@global.read_only=0",
		"SET sql_log_bin=0",
		"SET PASSWORD = 'x'",
		"USE mysql",
		"CREATE TABLE t (id int) DATA DIRECTORY='/tmp'",
		"CREATE TABLE t SELECT * FROM wp_users",
		"DROP DATABASE wp",
		"ALTER TABLE t RENAME TO u",
		"LOAD DATA INFILE 'x' INTO TABLE t",
		"/*!50003 CREATE DEFINER=`root`@`%` PROCEDURE p() BEGIN END */",
		"DROP TABLE 'unterminated",
	}
	for _, stmt := range rejected {
		err := (Filter{}).Check(stmt)
		var secErr *SecurityError
		if !errors.As(err, &secErr) {
			t.Errorf("Check(%q) = %v, want *SecurityError", stmt, err)
		}
	}
}
